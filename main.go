package main

import (
	"errors"
	"flag"
	"log"
	"os"

	"github.com/aditya0562/lsm-kv-store/bootstrap"
)

func main() {
	flag.Parse()
	if err := bootstrap.Run(); err != nil {
		log.Println("Fatal:", err)
		if errors.Is(err, bootstrap.ErrRuntime) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
