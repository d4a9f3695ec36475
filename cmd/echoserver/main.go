// Command echoserver is the sample CLI bootstrapping an Application around
// the echoservice.EchoService: three worker loops, one registered service,
// SIGINT-triggered shutdown with a bounded drain.
package main

import (
	"flag"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/evloop/evrpc/examples/echoservice"
	"github.com/evloop/evrpc/log"
	"github.com/evloop/evrpc/metrics"
	"github.com/evloop/evrpc/reactor"
	"github.com/evloop/evrpc/rpc"
)

// drainTimeout bounds how long the server waits after SIGINT before
// actually closing listeners and connections, so the sample ToUpper
// handler's 2-second simulated delay has a chance to finish and reply
// instead of being cut off mid-flight.
const drainTimeout = 2 * time.Second

func main() {
	addr := flag.String("addr", "127.0.0.1:8765", "address to listen on")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log.SetLogger(logger)

	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)

	app, err := reactor.New(recorder)
	if err != nil {
		log.L().Fatalw("failed to build application", "err", err)
	}
	app.SetDrainTimeout(drainTimeout)

	server := rpc.NewServer(app, recorder)
	if err := server.SetNumOfWorker(3); err != nil {
		log.L().Fatalw("failed to set worker group", "err", err)
	}
	server.AddService(echoservice.NewService())

	if err := server.Start(*addr); err != nil {
		log.L().Fatalw("failed to start server", "addr", *addr, "err", err)
	}

	log.L().Infow("echoserver listening", "addr", *addr)
	app.Run()
}
