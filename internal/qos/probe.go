// Package qos implements the UDP latency probe responder game clients
// use to measure their round-trip time before matchmaking.
package qos

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openspore-project/openspore/internal/network"
)

// ProbeMagic is the first byte of every valid probe datagram.
const ProbeMagic = 0x51

// probeRequestLen is magic byte plus the client's 8-byte timestamp.
const probeRequestLen = 9

// Responder answers latency probes: each request's magic byte and
// client timestamp are echoed back together with the server clock.
type Responder struct {
	port int
	conn *net.UDPConn
}

// NewResponder creates a responder for the given UDP port.
func NewResponder(port int) *Responder {
	return &Responder{port: port}
}

// Start begins answering probes. It blocks until ctx is cancelled.
func (r *Responder) Start(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: r.port}

	// SO_REUSEADDR allows immediate rebinding after restart.
	lc := network.ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", addr.String())
	if err != nil {
		return fmt.Errorf("qos: listen on port %d: %w", r.port, err)
	}
	r.conn = pc.(*net.UDPConn)

	log.Info().Int("port", r.boundPort()).Msg("QoS responder started")

	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buf := make([]byte, 64)
	for {
		n, remoteAddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("QoS responder stopping")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("QoS read error")
			continue
		}

		if n < probeRequestLen || buf[0] != ProbeMagic {
			continue
		}

		response := buildResponse(buf[1:9], time.Now())
		if _, err := r.conn.WriteToUDP(response, remoteAddr); err != nil {
			log.Warn().
				Err(err).
				Str("remote", remoteAddr.String()).
				Msg("failed to send QoS response")
		}

		log.Trace().Str("remote", remoteAddr.String()).Msg("answered QoS probe")
	}
}

// buildResponse echoes the client timestamp and appends the server
// clock in microseconds.
func buildResponse(clientStamp []byte, now time.Time) []byte {
	out := make([]byte, 1+8+8)
	out[0] = ProbeMagic
	copy(out[1:9], clientStamp)
	binary.LittleEndian.PutUint64(out[9:17], uint64(now.UnixMicro()))
	return out
}

func (r *Responder) boundPort() int {
	if r.conn == nil {
		return r.port
	}
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// SelfTest sends one probe through the loopback to verify the
// responder answers.
func (r *Responder) SelfTest() error {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.boundPort()}

	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("qos: self-test dial failed: %w", err)
	}
	defer conn.Close()

	probe := make([]byte, probeRequestLen)
	probe[0] = ProbeMagic
	binary.LittleEndian.PutUint64(probe[1:9], uint64(time.Now().UnixMicro()))
	if _, err := conn.Write(probe); err != nil {
		return fmt.Errorf("qos: self-test write failed: %w", err)
	}

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("qos: self-test read failed: %w", err)
	}
	if n < 17 || buf[0] != ProbeMagic {
		return fmt.Errorf("qos: self-test got malformed response (%d bytes)", n)
	}

	log.Debug().Int("port", r.boundPort()).Msg("QoS self-test passed")
	return nil
}

// Stop closes the UDP socket.
func (r *Responder) Stop() error {
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
