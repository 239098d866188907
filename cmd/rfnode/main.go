// Command rfnode runs one node of an rfmesh network on an XBee radio, or a
// complete simulated network with -sim.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KarpelesLab/rfmesh"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	sim := flag.Bool("sim", false, "run a complete simulated network instead of a radio node")
	joinTimeout := flag.Duration("join-timeout", 0, "give up joining after this long (0 waits forever)")
	flag.Parse()

	cfg, err := rfmesh.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rfnode: %s\n", err)
		os.Exit(1)
	}

	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAge,
		})
	}
	logbuf, err := rfmesh.SetupLog(out, rfmesh.ParseLevel(cfg.Log.Level))
	if err != nil {
		fmt.Fprintf(os.Stderr, "rfnode: %s\n", err)
		os.Exit(1)
	}
	defer logbuf.Close()

	reg := prometheus.NewRegistry()
	metrics := rfmesh.NewMetrics(reg)
	if cfg.Metrics.Listen != "" {
		go serveHTTP(cfg.Metrics.Listen, reg, logbuf)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *sim {
		err = runSim(ctx, cfg, metrics)
	} else {
		err = runRadio(ctx, cfg, metrics, *joinTimeout)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error(fmt.Sprintf("[rfnode] %s", err), "event", "rfnode:main:fail")
		os.Exit(1)
	}
}

func serveHTTP(addr string, reg *prometheus.Registry, logbuf *rfmesh.LogBuffer) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/dmesg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		logbuf.LogDmesg(w)
	})

	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error(fmt.Sprintf("[rfnode] http server error: %s", err), "event", "rfnode:http:fail")
	}
}

// openBuffer returns the measurement sinks enabled in cfg, and a function
// closing them.
func openBuffer(cfg *rfmesh.Config) (rfmesh.Buffer, func(), error) {
	var bufs rfmesh.MultiBuffer
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Buffer.Path != "" {
		b, err := rfmesh.OpenBoltBuffer(cfg.Buffer.Path)
		if err != nil {
			return nil, closeAll, err
		}
		bufs = append(bufs, b)
		closers = append(closers, func() { b.Close() })
	}
	if cfg.Buffer.MQTT.Broker != "" {
		b, err := rfmesh.NewMQTTBuffer(cfg.Buffer.MQTT)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		bufs = append(bufs, b)
		closers = append(closers, b.Close)
	}
	bufs = append(bufs, rfmesh.BufferFunc(func(p *rfmesh.RSSIGroundStation) error {
		slog.Info(fmt.Sprintf("[rfnode] measurement from node %d: rssi %d", p.SensorID, p.RSSI), "event", "rfnode:buffer:measurement")
		return nil
	}))
	return bufs, closeAll, nil
}

func runRadio(ctx context.Context, cfg *rfmesh.Config, metrics *rfmesh.Metrics, joinTimeout time.Duration) error {
	xb, err := rfmesh.OpenXBee(cfg.Serial)
	if err != nil {
		return err
	}

	buf, closeBuf, err := openBuffer(cfg)
	if err != nil {
		xb.Close()
		return err
	}
	defer closeBuf()

	node, err := rfmesh.NewNode(cfg, xb,
		rfmesh.WithBuffer(buf),
		rfmesh.WithMetrics(metrics),
		rfmesh.WithReceive(func(p rfmesh.Packet) {
			slog.Info(fmt.Sprintf("[rfnode] received %v", rfmesh.Fields(p)), "event", "rfnode:node:receive")
		}),
	)
	if err != nil {
		xb.Close()
		return err
	}

	joinCtx := ctx
	if joinTimeout > 0 {
		var cancel context.CancelFunc
		joinCtx, cancel = context.WithTimeout(ctx, joinTimeout)
		defer cancel()
	}
	if err := node.Activate(joinCtx); err != nil {
		xb.Close()
		return err
	}

	if ident, err := node.Identity(); err == nil && ident.ID != rfmesh.GroundID {
		ack := rfmesh.NewAcknowledger(node, func(payloads [][]byte) {
			slog.Info(fmt.Sprintf("[rfnode] received %d waypoints", len(payloads)), "event", "rfnode:node:waypoints")
		})
		defer ack.Close()
	}

	<-ctx.Done()
	return node.Deactivate()
}

// runSim runs the ground node and every mobile node over an in-memory
// network, then sends each mobile node a few waypoints.
func runSim(ctx context.Context, cfg *rfmesh.Config, metrics *rfmesh.Metrics) error {
	network := rfmesh.NewSimNetwork()
	cfg.Sensors = network.Addresses(cfg.NumberOfSensors)

	buf, closeBuf, err := openBuffer(cfg)
	if err != nil {
		return err
	}
	defer closeBuf()

	nodes := make([]*rfmesh.Node, cfg.NumberOfSensors+1)
	for id := range nodes {
		opts := []rfmesh.NodeOption{rfmesh.WithMetrics(metrics)}
		if id == rfmesh.GroundID {
			opts = append(opts, rfmesh.WithBuffer(buf))
		} else {
			lat := float64(id)
			opts = append(opts, rfmesh.WithLocation(func() (rfmesh.Location, int) {
				return rfmesh.Location{Latitude: lat, Longitude: lat}, 0
			}))
		}
		node, err := rfmesh.NewNode(cfg, network.Radio(id), opts...)
		if err != nil {
			return err
		}
		nodes[id] = node
	}

	errs := make(chan error, len(nodes))
	for _, node := range nodes {
		go func(node *rfmesh.Node) {
			errs <- node.Activate(ctx)
		}(node)
	}
	for range nodes {
		if err := <-errs; err != nil {
			return err
		}
	}
	defer func() {
		for _, node := range nodes {
			node.Deactivate()
		}
	}()

	data := make(map[int][][]byte)
	for id := 1; id < len(nodes); id++ {
		rfmesh.NewAcknowledger(nodes[id], nil)
		data[id] = [][]byte{[]byte(fmt.Sprintf("wp-%d-a", id)), []byte(fmt.Sprintf("wp-%d-b", id))}
	}

	d := rfmesh.NewDelivery(nodes[rfmesh.GroundID], nodes[rfmesh.GroundID], rfmesh.DeliveryConfig[[]byte]{
		Add: func(to, index int, item []byte) rfmesh.Packet {
			return &rfmesh.WaypointAdd{ToID: to, Index: index, Payload: item}
		},
		MaxRetries:    cfg.Delivery.MaxRetries,
		RetryInterval: cfg.Delivery.RetryInterval,
		Data:          data,
		Metrics:       metrics,
		OnProgress: func(value, total int) {
			slog.Debug(fmt.Sprintf("[rfnode] waypoint delivery %d/%d", value, total), "event", "rfnode:sim:progress")
		},
	})
	d.Start(ctx)
	if err := d.Wait(ctx); err != nil {
		return err
	}
	slog.Info("[rfnode] waypoints delivered to every vehicle", "event", "rfnode:sim:delivered")

	<-ctx.Done()
	return nil
}
