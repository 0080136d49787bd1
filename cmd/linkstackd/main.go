package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tinymesh/linkstack/pkg/datalink"
	"github.com/tinymesh/linkstack/pkg/pubsub"
	"github.com/tinymesh/linkstack/pkg/pubsub/bridge"
	"github.com/tinymesh/linkstack/pkg/serialport"
	"github.com/tinymesh/linkstack/pkg/transport"
)

var (
	serialDevice = flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	baudRate     = flag.Int("baud", 115200, "Serial baud rate")
	role         = flag.String("role", "client", "Data link role: client or server")
	txWindow     = flag.Uint("tx-window", 8, "TX window size in frames")
	rxWindow     = flag.Uint("rx-window", 8, "RX window size in frames")
	txTimeoutMs  = flag.Uint("tx-timeout-ms", 500, "TX retransmit timeout in milliseconds")
	maxRetries   = flag.Uint("max-retries", 4, "Max retransmits before disconnect")
	txBufferSize = flag.Int("tx-buffer-size", 0, "Byte budget across all in-flight TX slots (0 = unbounded)")
	txLinkSize   = flag.Int("tx-link-size", 0, "Minimum free UART buffer space required before sending new data (0 = disabled)")
	uartBufSize  = flag.Int("uart-output-buffer", 256, "Modeled UART output FIFO size in bytes, used by -tx-link-size")

	redisAddr    = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass    = flag.String("redis-pass", "", "Redis password")
	redisDB      = flag.Int("redis-db", 0, "Redis database number")
	redisChannel = flag.String("redis-channel", "linkstack:bridge", "Redis pub/sub channel for cross-instance bridging")
	redisHash    = flag.String("redis-hash", "linkstack:retained", "Redis hash key mirroring retained metadata")
	disableRedis = flag.Bool("disable-redis", false, "Run with a standalone PubSub core, no cross-instance bridge")
)

// bridgeSourceID is the SourceID the Redis bridge republishes under locally.
// It is distinct from 0 (no-origin) because self-publish suppression is
// skipped for SourceID 0, so a bridge using 0 would receive its own
// republications and echo them back to Redis.
const bridgeSourceID pubsub.SourceID = -1

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting linkstackd")
	log.Printf("Serial device: %s", *serialDevice)
	log.Printf("Baud rate: %d", *baudRate)

	var mu sync.Mutex

	port, err := serialport.Open(serialport.Config{
		Device:            *serialDevice,
		BaudRate:          *baudRate,
		OutputBufferBytes: *uartBufSize,
	})
	if err != nil {
		log.Fatalf("Failed to open serial port: %v", err)
	}
	defer port.Close()
	log.Printf("Serial port open")

	dlRole := datalink.RoleClient
	if *role == "server" {
		dlRole = datalink.RoleServer
	}

	link := datalink.NewLink(port,
		datalink.WithTxWindowSize(uint16(*txWindow)),
		datalink.WithRxWindowSize(uint16(*rxWindow)),
		datalink.WithTxTimeout(time.Duration(*txTimeoutMs)*time.Millisecond),
		datalink.WithMaxRetries(*maxRetries),
		datalink.WithRole(dlRole),
		datalink.WithLocker(&mu),
		datalink.WithTxBufferSize(*txBufferSize),
		datalink.WithTxLinkSize(*txLinkSize),
	)
	link.OnEvent = func(e datalink.Event) { log.Printf("link event: %s", e) }

	xport := transport.New(link)
	link.OnRecv = xport.Feed

	mgmt, err := transport.NewManagementHandler(xport)
	if err != nil {
		log.Fatalf("Failed to register management port: %v", err)
	}
	mgmt.StatusFn = func() transport.StatusReport {
		return transport.StatusReport{
			State:       link.State(),
			Retransmits: link.Stats.Retransmits,
			Disconnects: link.Stats.Disconnects,
		}
	}
	mgmt.TimeNowMs = func() uint32 { return uint32(time.Now().UnixMilli()) }
	mgmt.ListPorts = xport.ListPorts

	ps := pubsub.New()

	var br *bridge.Bridge
	if !*disableRedis {
		br, err = bridge.New(*redisAddr, *redisPass, *redisDB, *redisChannel, *redisHash, ps, bridgeSourceID)
		if err != nil {
			log.Printf("Redis bridge disabled: %v", err)
			br = nil
		} else {
			log.Printf("Connected to Redis at %s, bridging channel %s", *redisAddr, *redisChannel)
			go func() {
				if err := br.Run(context.Background()); err != nil {
					log.Printf("bridge run exited: %v", err)
				}
			}()
			defer br.Close()
		}
	}

	go func() {
		if err := port.Run(link.Feed); err != nil {
			log.Printf("serial read loop exited: %v", err)
		}
	}()

	link.Connect()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("linkstackd running")
	for {
		select {
		case <-ticker.C:
			link.Process(time.Now())
			if err := ps.Process(); err != nil {
				log.Printf("pubsub process error: %v", err)
			}
		case <-sigCh:
			log.Printf("Shutting down...")
			return
		}
	}
}
