// cmd/loopback/main.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"bricklet-service/internal/driver/rs232"
	"bricklet-service/internal/protocol"
)

// Writes a message to an RS232 Bricklet 2.0 wired for loopback and prints
// what comes back until Enter is pressed.
func main() {
	host := pflag.String("host", protocol.DefaultHost, "brickd host")
	port := pflag.Int("port", protocol.DefaultPort, "brickd port")
	uid := pflag.StringP("uid", "u", "XYZ", "UID of the RS232 Bricklet 2.0")
	message := pflag.StringP("message", "m", "test", "message to send")
	verbose := pflag.BoolP("verbose", "v", false, "log protocol activity")
	pflag.Parse()

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*host, *port, *uid, *message, logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(host string, port int, uid, message string, logger *zap.Logger) error {
	ctx := context.Background()

	ipcon := protocol.NewIPConnection(nil, logger)
	rs232Bricklet, err := rs232.New(uid, ipcon, logger)
	if err != nil {
		return err
	}
	defer rs232Bricklet.Close()

	if err := ipcon.Connect(ctx, host, port); err != nil {
		return err
	}
	defer ipcon.Disconnect()

	events := rs232Bricklet.ReadReceiver()
	go func() {
		for ev := range events {
			fmt.Println(ev.String())
		}
	}()

	if err := rs232Bricklet.EnableReadCallback(ctx); err != nil {
		return err
	}
	if _, err := rs232Bricklet.Write(ctx, []byte(message)); err != nil {
		return err
	}

	fmt.Println("Press enter to exit")
	_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
	return nil
}
