// zmq.go - ZeroMQ dealer socket.
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

package transport

import (
	"context"

	"github.com/go-zeromq/zmq4"
)

type dealerSocket struct {
	sock   zmq4.Socket
	cancel context.CancelFunc
}

// DialDealer opens a ZeroMQ DEALER socket with identity attached as the
// socket identity and connects it to endpoint.  It satisfies the Dialer
// contract and is the default dialer of the client facade.
func DialDealer(endpoint string, identity []byte) (Socket, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(identity)))
	if err := sock.Dial(endpoint); err != nil {
		cancel()
		sock.Close()
		return nil, err
	}
	return &dealerSocket{sock: sock, cancel: cancel}, nil
}

func (d *dealerSocket) Send(frames [][]byte) error {
	return d.sock.Send(zmq4.NewMsgFrom(frames...))
}

func (d *dealerSocket) Recv() ([][]byte, error) {
	msg, err := d.sock.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Frames, nil
}

func (d *dealerSocket) Close() error {
	d.cancel()
	return d.sock.Close()
}
