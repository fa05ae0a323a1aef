// Run the job scheduler: claim sweeps, async dispatch, and resolution.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Shyp/go-simple-metrics"
	"github.com/Shyp/nimitz/asynchttp"
	"github.com/Shyp/nimitz/config"
	"github.com/Shyp/nimitz/scheduler"
	"github.com/Shyp/nimitz/services"
	"github.com/Shyp/nimitz/setup"
	"github.com/Shyp/nimitz/signer"
	"github.com/Shyp/nimitz/vault"
)

func checkError(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	dbConns, err := config.GetInt("PG_WORKER_POOL_SIZE")
	if err != nil {
		log.Printf("Error getting database pool size: %s. Defaulting to 20", err)
		dbConns = 20
	}

	err = setup.DB(setup.DefaultConnection, dbConns)
	checkError(err)

	go setup.MeasureActiveQueries(1 * time.Second)
	go setup.MeasureQueueDepth(5 * time.Second)
	go setup.MeasureStatusCounts(5 * time.Second)

	// Every minute, check for jobs that have sat in "processing" for 7
	// minutes; the process that claimed them is presumed dead.
	go services.WatchStuckJobs(1*time.Minute, 7*time.Minute)

	// Outbound requests tend to hit a handful of hosts over and over.
	httpConns, err := config.GetInt("HTTP_MAX_IDLE_CONNS")
	if err == nil {
		config.SetMaxIdleConnsPerHost(httpConns)
	} else {
		config.SetMaxIdleConnsPerHost(100)
	}

	metrics.Namespace = "nimitz.scheduler"
	metrics.Start("worker")

	rateLimit, err := config.GetInt("NIMITZ_HTTP_RATE_LIMIT")
	if err != nil {
		rateLimit = 100
	}
	client := asynchttp.NewClient(rateLimit)

	sig := signer.New(vault.Env{})
	s := scheduler.New(client, sig)

	sweepInterval := 1 * time.Second
	if secs, err := config.GetInt("NIMITZ_SWEEP_INTERVAL"); err == nil && secs > 0 {
		sweepInterval = time.Duration(secs) * time.Second
	}
	go s.Run(sweepInterval, 200*time.Millisecond)

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM, syscall.SIGINT)
	caught := <-sigterm
	fmt.Printf("Caught signal %v, shutting down...\n", caught)
	// In-flight dispatches will be resolved by the next scheduler process;
	// anything stuck in "processing" is rescued by the stuck-job watcher.
	deadline := time.After(5 * time.Second)
	for client.Pending() > 0 {
		select {
		case <-deadline:
			fmt.Println("Timed out waiting for in-flight requests. Quitting.")
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	fmt.Println("All in-flight requests done. Quitting.")
}
