// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/luxfi/remote"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	endpoint := os.Getenv("REMOTE_BACKEND_URL")
	if endpoint == "" {
		endpoint = "ws://localhost:3000"
	}

	klog.InitFlags(nil)
	flag.StringVar(&endpoint, "endpoint", endpoint, "executor endpoint (ws, wss, tcp, tls or grpc URL)")
	infoURL := flag.String("info-url", "", "JSON-RPC admin URL to query before connecting")
	timeout := flag.Duration("timeout", time.Minute, "timeout for each compute request")
	flag.Parse()

	log := klog.FromContext(ctx)

	if *infoURL != "" {
		info, err := remote.QueryServerInfo(ctx, *infoURL)
		if err != nil {
			return fmt.Errorf("querying server info: %w", err)
		}
		log.Info("executor info", "server", info.Server, "protocolVersion", info.ProtocolVersion, "devices", info.Devices)
		if !info.Compatible() {
			return fmt.Errorf("%w: executor speaks %d, client speaks %d", remote.ErrVersionMismatch, info.ProtocolVersion, remote.ProtocolVersion)
		}
		for _, op := range []remote.Opcode{remote.OpOnes, remote.OpRandom, remote.OpAdd, remote.OpMatMul, remote.OpRead} {
			if !info.Supports(op) {
				return fmt.Errorf("executor does not support %s", op)
			}
		}
	}

	dev, err := remote.NewDevice(ctx, endpoint, remote.WithTimeout(remote.ClassCompute, *timeout))
	if err != nil {
		return fmt.Errorf("connecting to %q: %w", endpoint, err)
	}
	defer func() {
		if err := dev.Close(); err != nil {
			log.Error(err, "closing device")
		}
	}()
	log.Info("connected", "device", dev.String())

	shape := remote.Shape{3, 3}
	a, err := dev.Ones(ctx, shape, remote.Float32)
	if err != nil {
		return fmt.Errorf("creating ones: %w", err)
	}
	defer a.Release()
	b, err := dev.Random(ctx, shape, remote.Uniform(-1, 1), remote.Float32)
	if err != nil {
		return fmt.Errorf("creating random: %w", err)
	}
	defer b.Release()

	if err := show(ctx, "A", a); err != nil {
		return err
	}
	if err := show(ctx, "B", b); err != nil {
		return err
	}

	// Both computations are pipelined on the one connection.
	var sum, product *remote.Tensor
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sum, err = a.Add(gctx, b)
		return err
	})
	g.Go(func() error {
		var err error
		product, err = a.MatMul(gctx, b)
		return err
	})
	if err := g.Wait(); err != nil {
		if sum != nil {
			sum.Release()
		}
		if product != nil {
			product.Release()
		}
		if errors.Is(err, remote.ErrConnectionLost) {
			return fmt.Errorf("executor went away: %w", err)
		}
		return err
	}
	defer sum.Release()
	defer product.Release()

	if err := show(ctx, "A + B", sum); err != nil {
		return err
	}
	return show(ctx, "A @ B", product)
}

func show(ctx context.Context, name string, t *remote.Tensor) error {
	s, err := t.Format(ctx)
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	fmt.Printf("%s = %s\n", name, s)
	return nil
}
