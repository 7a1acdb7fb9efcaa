package health

import (
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type CheckResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

func CheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CheckResponse{
		Status:    "ok",
		Timestamp: time.Now().UnixMilli(),
	})
}
