package main

import (
	"log"
	"os"

	"github.com/nanvix/microvm/flag"
	"github.com/nanvix/microvm/vmm"
)

func main() {
	config, err := flag.Parse(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	defer config.Close()

	if err := vmm.Run(config); err != nil {
		log.Fatal(err)
	}
}
