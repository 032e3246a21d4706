// Command conode runs a single CANopen node on a real SocketCAN interface,
// loading its Object Dictionary from an EDS file.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	conode "github.com/canopen-go/conode"
	can "github.com/canopen-go/conode/pkg/can"
	_ "github.com/canopen-go/conode/pkg/can/socketcan"
	"github.com/canopen-go/conode/pkg/node"
	"github.com/canopen-go/conode/pkg/od"
	log "github.com/sirupsen/logrus"
)

const (
	defaultInterface = "can0"
	defaultNodeId    = 0x01
)

func main() {
	log.SetLevel(log.InfoLevel)

	interfaceName := flag.String("i", defaultInterface, "SocketCAN interface, e.g. can0, vcan0")
	nodeId := flag.Int("n", defaultNodeId, "node id (1-127)")
	edsPath := flag.String("p", "", "EDS file path")
	flag.Parse()

	if *edsPath == "" {
		fmt.Fprintln(os.Stderr, "missing -p <eds file path>")
		os.Exit(1)
	}

	bus, err := can.NewBus("socketcan", *interfaceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not open interface %s: %v\n", *interfaceName, err)
		os.Exit(1)
	}
	busManager := conode.NewBusManager(bus, nil)
	if err := busManager.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "could not connect to %s: %v\n", *interfaceName, err)
		os.Exit(1)
	}

	dict, err := od.ParseEDS(*edsPath, uint8(*nodeId), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading EDS %s: %v\n", *edsPath, err)
		os.Exit(1)
	}

	dev, err := node.New(busManager, dict, uint8(*nodeId), node.Config{}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not build node: %v\n", err)
		os.Exit(1)
	}
	if err := dev.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "could not start node: %v\n", err)
		os.Exit(1)
	}
	log.WithFields(log.Fields{"interface": *interfaceName, "nodeId": *nodeId}).Info("node running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	dev.Stop()
	_ = bus.Disconnect()
}
