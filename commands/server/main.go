// Run the nimitz API server.
//
// All of the project defaults are used. There is one authenticated user for
// basic auth, the user is "test" and the password is "chesternimitz". You will
// want to copy this binary and add your own authentication scheme.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/Shyp/go-simple-metrics"
	"github.com/Shyp/nimitz/config"
	"github.com/Shyp/nimitz/server"
	"github.com/Shyp/nimitz/setup"
	"github.com/Shyp/nimitz/signer"
	"github.com/Shyp/nimitz/vault"
	"github.com/gorilla/handlers"
)

func configure() (http.Handler, error) {
	dbConns, err := config.GetInt("PG_SERVER_POOL_SIZE")
	if err != nil {
		log.Printf("Error getting database pool size: %s. Defaulting to 10", err)
		dbConns = 10
	}

	if err = setup.DB(setup.DefaultConnection, dbConns); err != nil {
		return nil, err
	}

	metrics.Namespace = "nimitz.server"
	metrics.Start("web")

	go setup.MeasureActiveQueries(5 * time.Second)

	// Signing secrets named by jobs resolve through VAULT_SECRET_* environment
	// variables.
	sig := signer.New(vault.Env{})

	// If you run this in production, change this user.
	server.AddUser("test", "chesternimitz")
	return server.Get(server.DefaultAuthorizer, sig), nil
}

func main() {
	s, err := configure()
	if err != nil {
		log.Fatal(err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "9090"
	}
	log.Printf("Listening on port %s\n", port)
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%s", port), handlers.LoggingHandler(os.Stdout, s)))
}
