// instrument.go - Client statistics sinks.
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

// Package instrument defines the statistics sink the client reports into,
// along with a Prometheus backed implementation.
package instrument

import "github.com/prometheus/client_golang/prometheus"

// Stats is the sink for client side counters.  Implementations must be
// safe for concurrent use; all methods are fire and forget.
type Stats interface {
	// MessageSent counts one outbound application message.
	MessageSent()

	// MessageReceived counts one delivered inbound application message.
	MessageReceived()

	// HeartBeatSent counts one outbound heartbeat.
	HeartBeatSent()

	// HeartBeatReceived counts one inbound heartbeat.
	HeartBeatReceived()

	// HandshakeEstablished counts one completed handshake.
	HandshakeEstablished()

	// HandshakeFailed counts one failed handshake.
	HandshakeFailed()

	// HostDead counts the host dead latch firing.
	HostDead()
}

type noOpStats struct{}

func (noOpStats) MessageSent()          {}
func (noOpStats) MessageReceived()      {}
func (noOpStats) HeartBeatSent()        {}
func (noOpStats) HeartBeatReceived()    {}
func (noOpStats) HandshakeEstablished() {}
func (noOpStats) HandshakeFailed()      {}
func (noOpStats) HostDead()             {}

// NoOp returns a Stats that discards everything, for use when the caller
// does not supply a sink.
func NoOp() Stats {
	return noOpStats{}
}

type promStats struct {
	messagesSent      prometheus.Counter
	messagesReceived  prometheus.Counter
	heartBeatsSent    prometheus.Counter
	heartBeatsRecv    prometheus.Counter
	handshakesOk      prometheus.Counter
	handshakesFailed  prometheus.Counter
	hostDeadLatchings prometheus.Counter
}

// NewPrometheus creates a Stats backed by Prometheus counters registered
// with reg.
func NewPrometheus(reg prometheus.Registerer) Stats {
	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "messagewire",
			Subsystem: "client",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}
	return &promStats{
		messagesSent:      newCounter("messages_sent_total", "Outbound application messages."),
		messagesReceived:  newCounter("messages_received_total", "Delivered inbound application messages."),
		heartBeatsSent:    newCounter("heartbeats_sent_total", "Outbound heartbeats."),
		heartBeatsRecv:    newCounter("heartbeats_received_total", "Inbound heartbeats."),
		handshakesOk:      newCounter("handshakes_established_total", "Completed handshakes."),
		handshakesFailed:  newCounter("handshakes_failed_total", "Failed handshakes."),
		hostDeadLatchings: newCounter("host_dead_total", "Host dead latch firings."),
	}
}

func (p *promStats) MessageSent()          { p.messagesSent.Inc() }
func (p *promStats) MessageReceived()      { p.messagesReceived.Inc() }
func (p *promStats) HeartBeatSent()        { p.heartBeatsSent.Inc() }
func (p *promStats) HeartBeatReceived()    { p.heartBeatsRecv.Inc() }
func (p *promStats) HandshakeEstablished() { p.handshakesOk.Inc() }
func (p *promStats) HandshakeFailed()      { p.handshakesFailed.Inc() }
func (p *promStats) HostDead()             { p.hostDeadLatchings.Inc() }
