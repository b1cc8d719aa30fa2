// main.go - Message wire diagnostic tool.
// Copyright (C) 2018  intelliBrain.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// wirecat sends ping records over a message wire client and prints what
// comes back, for poking at a server from the command line.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/fxamacker/cbor/v2"

	"github.com/intelliBrain/messagewire/client"
	"github.com/intelliBrain/messagewire/config"
)

// pingRecord is the CBOR payload carried in each outbound frame.
type pingRecord struct {
	Sequence uint64 `cbor:"seq"`
	SentAt   int64  `cbor:"sent_at"`
	Note     string `cbor:"note,omitempty"`
}

func main() {
	var configFile string
	var count int
	var interval int
	var timeout int
	var note string
	flag.StringVar(&configFile, "c", "wirecat.toml", "configuration file")
	flag.IntVar(&count, "n", 5, "number of pings to send")
	flag.IntVar(&interval, "i", 1000, "interval between pings in milliseconds")
	flag.IntVar(&timeout, "t", 10, "seconds to wait for replies after the last ping")
	flag.StringVar(&note, "m", "", "note to attach to each ping")
	version := flag.Bool("v", false, "Get version info.")
	flag.Parse()

	if *version {
		fmt.Printf("version is %s\n", versioninfo.Short())
		return
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wirecat: failed to load config: %v\n", err)
		os.Exit(1)
	}
	clientCfg, err := cfg.ClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wirecat: %v\n", err)
		os.Exit(1)
	}

	c, err := client.New(clientCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wirecat: %v\n", err)
		os.Exit(1)
	}
	defer c.Dispose()

	replies := make(chan [][]byte, count)
	c.SubscribeMessageReceived(func(e *client.MessageReceivedEvent) {
		replies <- e.Frames
	})
	c.SubscribeProtocolFailed(func(e *client.ProtocolFailedEvent) {
		fmt.Fprintf(os.Stderr, "wirecat: handshake failed: %v\n", e.Err)
	})

	if cfg.Wire.Identity != "" && cfg.Wire.IdentitySecret != "" {
		if !c.SecureConnection(true, 5*time.Second) {
			fmt.Fprintf(os.Stderr, "wirecat: failed to secure connection\n")
			os.Exit(1)
		}
		fmt.Printf("secured, client id %x\n", c.ClientID())
	} else {
		fmt.Printf("plaintext, client id %x\n", c.ClientID())
	}

	for seq := uint64(0); seq < uint64(count); seq++ {
		payload, err := cbor.Marshal(&pingRecord{
			Sequence: seq,
			SentAt:   time.Now().UnixNano(),
			Note:     note,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "wirecat: %v\n", err)
			os.Exit(1)
		}
		if err = c.Send([][]byte{payload}); err != nil {
			fmt.Fprintf(os.Stderr, "wirecat: send %d: %v\n", seq, err)
		}
		time.Sleep(time.Duration(interval) * time.Millisecond)
	}

	deadline := time.After(time.Duration(timeout) * time.Second)
	received := 0
	for received < count {
		select {
		case frames := <-replies:
			for _, f := range frames {
				var rec pingRecord
				if err := cbor.Unmarshal(f, &rec); err != nil {
					fmt.Printf("reply: %d opaque bytes\n", len(f))
					continue
				}
				rtt := time.Since(time.Unix(0, rec.SentAt))
				fmt.Printf("reply: seq %d rtt %v\n", rec.Sequence, rtt)
			}
			received++
		case <-deadline:
			fmt.Printf("received %d of %d replies\n", received, count)
			return
		}
	}
}
