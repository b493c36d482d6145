/*
 *
 * Copyright 2025 The xshm Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Command xshm exercises the transport from the command line: an echo
// server, a ping client, and their multi-client counterparts.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Platon7788/xshm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "xshm",
		Short:        "shared-memory IPC transport tools",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if viper.GetBool("verbose") {
				log.SetLevel(log.DebugLevel)
			}
		},
	}

	pf := root.PersistentFlags()
	pf.String("name", "xshm-demo", "channel base name")
	pf.Uint32("buffer", 0, "per-ring capacity in bytes (0 = default)")
	pf.Bool("global", false, "use the cross-session Global namespace")
	pf.Bool("verbose", false, "debug logging")
	pf.String("metrics-addr", "", "serve prometheus metrics on this address")

	viper.SetEnvPrefix("XSHM")
	viper.AutomaticEnv()
	_ = viper.BindPFlags(pf)

	root.AddCommand(newServeCmd(), newPingCmd(), newMultiServeCmd(), newMultiPingCmd())
	return root
}

func baseConfig() xshm.Config {
	return xshm.Config{
		Name:        viper.GetString("name"),
		BufferBytes: viper.GetUint32("buffer"),
		GlobalNames: viper.GetBool("global"),
	}
}

func serveMetrics(source xshm.StatsSource) {
	addr := viper.GetString("metrics-addr")
	if addr == "" {
		return
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(xshm.NewStatsCollector(viper.GetString("name"), source))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics server failed", "err", err)
		}
	}()
}

func waitForInterrupt() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run an echo server on one channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var srv *xshm.AutoServer
			srv, err := xshm.StartAutoServer(baseConfig(), xshm.AutoHandlers{
				OnConnect:    func() { log.Info("client connected") },
				OnDisconnect: func() { log.Info("client disconnected") },
				OnMessage: func(_ xshm.Direction, payload []byte) {
					if err := srv.Send(payload); err != nil {
						log.Warn("echo failed", "err", err)
					}
				},
				OnError: func(err error) { log.Warn("server error", "err", err) },
			}, xshm.DefaultAutoOptions())
			if err != nil {
				return err
			}
			defer srv.Stop()
			serveMetrics(srv)
			log.Info("serving", "name", viper.GetString("name"))
			waitForInterrupt()
			return nil
		},
	}
}

func newPingCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "send pings to an echo server and print replies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := xshm.StartAutoClient(baseConfig(), xshm.AutoHandlers{
				OnConnect:    func() { log.Info("connected") },
				OnDisconnect: func() { log.Info("disconnected") },
				OnMessage: func(_ xshm.Direction, payload []byte) {
					fmt.Printf("reply: %s\n", payload)
				},
				OnError: func(err error) { log.Warn("client error", "err", err) },
			}, xshm.DefaultAutoOptions())
			if err != nil {
				return err
			}
			defer cli.Stop()
			serveMetrics(cli)

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt)
			for i := 0; ; i++ {
				select {
				case <-ticker.C:
					msg := fmt.Sprintf("ping %d", i)
					if err := cli.Send([]byte(msg)); err != nil {
						log.Warn("send failed", "err", err)
					}
				case <-sig:
					stats := cli.Stats()
					log.Info("done", "sent", stats.SentMessages, "received", stats.ReceivedMessages)
					return nil
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "ping interval")
	return cmd
}

func newMultiServeCmd() *cobra.Command {
	var maxClients int
	cmd := &cobra.Command{
		Use:   "multi-serve",
		Short: "run a multi-client echo server with a lobby",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var srv *xshm.MultiServer
			srv, err := xshm.StartMultiServer(baseConfig(), xshm.MultiHandlers{
				OnClientConnect: func(id uint32) { log.Info("client connected", "slot", id) },
				OnClientDisconnect: func(id uint32) {
					log.Info("client disconnected", "slot", id)
				},
				OnMessage: func(id uint32, data []byte) {
					if err := srv.SendTo(id, data); err != nil {
						log.Warn("echo failed", "slot", id, "err", err)
					}
				},
				OnError: func(id uint32, err error) {
					log.Warn("multi-server error", "slot", id, "err", err)
				},
			}, xshm.MultiOptions{MaxClients: maxClients})
			if err != nil {
				return err
			}
			defer srv.Stop()
			log.Info("serving", "name", viper.GetString("name"), "slots", maxClients)
			waitForInterrupt()
			return nil
		},
	}
	cmd.Flags().IntVar(&maxClients, "max-clients", 20, "slot count")
	return cmd
}

func newMultiPingCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "multi-ping",
		Short: "join a multi-client server and send pings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := xshm.ConnectMulti(baseConfig(), xshm.MultiClientHandlers{
				OnConnect:    func(slot uint32) { log.Info("connected", "slot", slot) },
				OnDisconnect: func() { log.Info("disconnected") },
				OnMessage: func(data []byte) {
					fmt.Printf("reply: %s\n", data)
				},
				OnError: func(err error) { log.Warn("client error", "err", err) },
			}, xshm.DefaultMultiClientOptions())
			if err != nil {
				return err
			}
			defer cli.Stop()
			serveMetrics(cli)

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt)
			for i := 0; ; i++ {
				select {
				case <-ticker.C:
					msg := fmt.Sprintf("ping %d from slot %d", i, cli.SlotID())
					if err := cli.Send([]byte(msg)); err != nil {
						log.Warn("send failed", "err", err)
					}
				case <-sig:
					return nil
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "ping interval")
	return cmd
}
