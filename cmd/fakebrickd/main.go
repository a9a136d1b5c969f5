// cmd/fakebrickd/main.go
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"bricklet-service/internal/brickdsim"
)

// Serves simulated RS232 Bricklet 2.0 devices over the brickd protocol.
func main() {
	addr := pflag.StringP("addr", "a", "127.0.0.1:4223", "listen address")
	uids := pflag.StringSliceP("uid", "u", []string{"XYZ"}, "UIDs of the simulated bricklets")
	noLoopback := pflag.Bool("no-loopback", false, "do not echo written bytes back")
	pflag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	srv := brickdsim.New(logger)
	for _, uid := range *uids {
		device, err := srv.AddDevice(uid)
		if err != nil {
			logger.Fatal("Failed to add device", zap.String("uid", uid), zap.Error(err))
		}
		device.SetLoopback(!*noLoopback)
	}

	if err := srv.Start(*addr); err != nil {
		logger.Fatal("Failed to listen", zap.String("addr", *addr), zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := srv.Close(); err != nil {
		logger.Error("Failed to close", zap.Error(err))
	}
}
