// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package shuffleconfig provides a mechanism to configure the
// bigshuffle transport from a shared profile. Shuffleconfig uses the
// configuration mechanism in package github.com/grailbio/base/config,
// and reads a default profile from $HOME/.bigshuffle/config.
//
// The transport is registered as the instance "bigshuffle/transport":
//
//	param bigshuffle/transport (
//		server-port = 7070
//		io-mode = "EPOLL"
//		write-buffer-high-mark = 134217728
//	)
package shuffleconfig

import (
	"flag"
	"os"
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigshuffle/transport"
)

// Name is the name of the registered transport configuration.
const Name = "bigshuffle/transport"

// Path determines the location of the bigshuffle profile read by
// Parse.
var Path = os.ExpandEnv("$HOME/.bigshuffle/config")

func init() {
	config.Register(Name, func(inst *config.Constructor) {
		def := transport.DefaultConfig()
		var (
			conf = def
			mode = string(def.IOMode)

			connectMillis = int(def.ConnectTimeout / time.Millisecond)
			closeMillis   = int(def.CloseTimeout / time.Millisecond)
		)
		inst.StringVar(&conf.ServerHost, "server-host", def.ServerHost, "the address on which the shuffle server listens")
		inst.IntVar(&conf.ServerPort, "server-port", def.ServerPort, "the shuffle server port; 0 picks an ephemeral port")
		inst.StringVar(&mode, "io-mode", mode, "the I/O mode: AUTO, NIO, or EPOLL")
		inst.IntVar(&connectMillis, "connect-timeout-ms", connectMillis, "per-attempt connection timeout in milliseconds")
		inst.IntVar(&conf.ConnectRetries, "connect-retries", def.ConnectRetries, "number of times a failed connection is retried")
		inst.IntVar(&closeMillis, "close-timeout-ms", closeMillis, "server shutdown timeout in milliseconds")
		inst.IntVar(&conf.WriteBufferHighMark, "write-buffer-high-mark", def.WriteBufferHighMark,
			"queued bytes above which a connection becomes unwritable")
		inst.IntVar(&conf.WriteBufferLowMark, "write-buffer-low-mark", def.WriteBufferLowMark,
			"queued bytes at which a connection becomes writable again")
		inst.IntVar(&conf.MaxFrameSize, "max-frame-size", def.MaxFrameSize, "largest frame accepted from a peer")
		inst.IntVar(&conf.ReceiveBuffer, "receive-buffer", def.ReceiveBuffer, "socket receive buffer size; 0 for the system default")
		inst.IntVar(&conf.SendBuffer, "send-buffer", def.SendBuffer, "socket send buffer size; 0 for the system default")
		inst.BoolVar(&conf.TCPKeepAlive, "tcp-keep-alive", def.TCPKeepAlive, "enable TCP keep-alives")
		inst.IntVar(&conf.DispatchQueue, "dispatch-queue", def.DispatchQueue, "inbound messages buffered per connection")
		inst.Doc = "bigshuffle/transport configures the shuffle transport"
		inst.New = func() (interface{}, error) {
			conf.IOMode = transport.IOMode(mode)
			conf.ConnectTimeout = time.Duration(connectMillis) * time.Millisecond
			conf.CloseTimeout = time.Duration(closeMillis) * time.Millisecond
			if err := conf.Validate(); err != nil {
				return nil, err
			}
			return conf, nil
		}
	})
}

// Parse registers configuration flags and calls flag.Parse. It reads
// the bigshuffle profile from Path and returns the transport
// configuration it defines, as amended by any flags provided. Parse
// panics if the configuration is invalid.
func Parse() transport.Config {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var conf transport.Config
	config.Must(Name, &conf)
	return conf
}
