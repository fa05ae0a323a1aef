package main

import (
	"log"

	"github.com/Shyp/nimitz/setup"
	"github.com/Shyp/nimitz/test"
)

func main() {
	if err := setup.DB(setup.DefaultConnection, 1); err != nil {
		log.Fatal(err)
	}
	if err := test.TruncateTables(nil); err != nil {
		log.Fatal(err)
	}
}
