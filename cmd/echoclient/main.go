// Command echoclient connects a ServiceStub to echoserver and issues one
// ToUpper and one AppendDots call, printing both replies as their futures
// resolve.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/evloop/evrpc/examples/echoservice"
	"github.com/evloop/evrpc/future"
	"github.com/evloop/evrpc/log"
	"github.com/evloop/evrpc/reactor"
	"github.com/evloop/evrpc/rpc"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8765", "address to connect to")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log.SetLogger(logger)

	app, err := reactor.New(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build application:", err)
		os.Exit(1)
	}
	go app.Run()

	ep, err := reactor.ParseEndpoint(*addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid address:", err)
		os.Exit(1)
	}

	stub := rpc.NewServiceStub(app, nil)

	done := make(chan struct{}, 2)

	future.Then(stub.GetChannel(ep), func(r future.Result[*rpc.ClientChannel]) future.Future[*rpc.RpcMessage] {
		if r.Err != nil {
			fmt.Fprintln(os.Stderr, "connect failed:", r.Err)
			os.Exit(1)
		}
		return r.Value.Invoke(echoservice.FullName, echoservice.MethodToUpper, []byte("hello"))
	}).OnComplete(func(r future.Result[*rpc.RpcMessage]) {
		printResult("ToUpper", r)
		done <- struct{}{}
	})

	future.Then(stub.GetChannel(ep), func(r future.Result[*rpc.ClientChannel]) future.Future[*rpc.RpcMessage] {
		if r.Err != nil {
			fmt.Fprintln(os.Stderr, "connect failed:", r.Err)
			os.Exit(1)
		}
		return r.Value.Invoke(echoservice.FullName, echoservice.MethodAppendDots, []byte("ping"))
	}).OnComplete(func(r future.Result[*rpc.RpcMessage]) {
		printResult("AppendDots", r)
		done <- struct{}{}
	})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			fmt.Fprintln(os.Stderr, "timed out waiting for reply")
			os.Exit(1)
		}
	}
	app.Exit()
}

func printResult(method string, r future.Result[*rpc.RpcMessage]) {
	if r.Err != nil {
		fmt.Printf("%s failed: %v\n", method, r.Err)
		return
	}
	if r.Value.ErrorMsg != "" {
		fmt.Printf("%s error: %s\n", method, r.Value.ErrorMsg)
		return
	}
	fmt.Printf("%s -> %s\n", method, string(r.Value.SerializedResponse))
}
