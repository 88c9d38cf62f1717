// Command pgmd runs a standalone PGM endpoint: it binds a socket to a
// multicast group on the configured interface, accepts line-delimited
// APDUs on stdin to send, and logs every APDU it receives.
package main

import (
	"bufio"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pgm-go/pgm/internal/pgmconfig"
	"github.com/pgm-go/pgm/pkg/logger"
	"github.com/pgm-go/pgm/socket"
	"github.com/spf13/pflag"
)

const version = "0.1.0"

func main() {
	logger.Banner("PGM Reliable Multicast Daemon", version)

	fs := pflag.NewFlagSet("pgmd", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to a pgmconfig YAML file")
	bindAddr := fs.String("bind", "0.0.0.0:3056", "local UDP address to bind")
	sendOnly := fs.Bool("send-only", false, "never start a receiver engine")
	recvOnly := fs.Bool("recv-only", false, "never start a source engine")
	pgmconfig.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := pgmconfig.Load(*configPath, fs)
	if err != nil {
		logger.Fatal("loading config: %v", err)
	}
	logger.SetLevel(cfg.Log.Level)
	logger.SetJSON(cfg.Log.JSON)
	logger.Success("configuration loaded from %q", *configPath)

	mode := socket.ModeDuplex
	switch {
	case *sendOnly:
		mode = socket.ModeSendOnly
	case *recvOnly:
		mode = socket.ModeRecvOnly
	}

	s := socket.New(mode)
	if err := configureSocket(s, cfg); err != nil {
		logger.Fatal("applying config options: %v", err)
	}

	laddr, err := net.ResolveUDPAddr("udp", *bindAddr)
	if err != nil {
		logger.Fatal("resolving bind address %q: %v", *bindAddr, err)
	}

	var group net.IP
	var iface *net.Interface
	if cfg.Network.MulticastGroup != "" {
		group = net.ParseIP(cfg.Network.MulticastGroup)
		if group == nil {
			logger.Fatal("invalid multicast group %q", cfg.Network.MulticastGroup)
		}
	}
	if cfg.Network.Interface != "" {
		iface, err = net.InterfaceByName(cfg.Network.Interface)
		if err != nil {
			logger.Fatal("resolving interface %q: %v", cfg.Network.Interface, err)
		}
	}

	if err := s.Bind(laddr, group, iface); err != nil {
		logger.Fatal("bind: %v", err)
	}
	defer s.Close(true)

	logger.Info("bound to %s, group=%s, interface=%s", laddr, cfg.Network.MulticastGroup, cfg.Network.Interface)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	if mode != socket.ModeSendOnly {
		go recvLoop(s)
	}
	if mode != socket.ModeRecvOnly {
		go sendLoop(s)
	}

	sig := <-sigChan
	logger.Warn("received signal: %v", sig)
	logger.Info("shutting down gracefully...")
	if err := s.Close(true); err != nil {
		logger.Error("close: %v", err)
	}
	logger.Success("pgmd stopped")
}

func configureSocket(s *socket.Socket, cfg pgmconfig.Config) error {
	if cfg.Network.TTL > 0 {
		if err := s.SetOption(socket.OptMulticastHops, cfg.Network.TTL); err != nil {
			return err
		}
	}
	if cfg.Window.MaxTPDU > 0 {
		if err := s.SetOption(socket.OptMTU, cfg.Window.MaxTPDU); err != nil {
			return err
		}
	}
	if cfg.Window.TXWSize > 0 {
		if err := s.SetOption(socket.OptTXWSqns, cfg.Window.TXWSize); err != nil {
			return err
		}
	}
	if cfg.Window.RXWSize > 0 {
		if err := s.SetOption(socket.OptRXWSqns, cfg.Window.RXWSize); err != nil {
			return err
		}
	}
	if cfg.Timers.AmbientSPMInterval > 0 {
		if err := s.SetOption(socket.OptAmbientSPM, cfg.Timers.AmbientSPMInterval); err != nil {
			return err
		}
	}
	if cfg.Timers.NAKBackoffInterval > 0 {
		if err := s.SetOption(socket.OptNakBackoffIVL, cfg.Timers.NAKBackoffInterval); err != nil {
			return err
		}
	}
	if cfg.Timers.NAKRepeatInterval > 0 {
		if err := s.SetOption(socket.OptNakRepeatIVL, cfg.Timers.NAKRepeatInterval); err != nil {
			return err
		}
	}
	if cfg.Timers.NAKDataInterval > 0 {
		if err := s.SetOption(socket.OptNakRDataIVL, cfg.Timers.NAKDataInterval); err != nil {
			return err
		}
	}
	if cfg.Timers.NAKDataRetries > 0 {
		if err := s.SetOption(socket.OptNakDataRetries, cfg.Timers.NAKDataRetries); err != nil {
			return err
		}
	}
	if cfg.Timers.PeerExpiryInterval > 0 {
		if err := s.SetOption(socket.OptPeerExpiry, cfg.Timers.PeerExpiryInterval); err != nil {
			return err
		}
	}
	if cfg.Rate.SendBytesPerSec > 0 {
		if err := s.SetOption(socket.OptTXWMaxRte, cfg.Rate.SendBytesPerSec); err != nil {
			return err
		}
	}
	if cfg.FEC.Enabled {
		if err := s.SetOption(socket.OptUseFEC, socket.FECParams{
			Enabled:   true,
			GroupSize: cfg.FEC.GroupSize,
			Proactive: cfg.FEC.ProactiveParity,
		}); err != nil {
			return err
		}
	}
	return nil
}

func recvLoop(s *socket.Socket) {
	log := logger.ForComponent("pgmd.recv")
	for {
		payload, tsi, err := s.Recv()
		if err != nil {
			if err == socket.ErrBadDescriptor {
				return
			}
			log.Warnf("recv error from %s: %v", tsi.String(), err)
			continue
		}
		log.WithField("tsi", tsi.String()).Infof("received %d bytes", len(payload))
	}
}

func sendLoop(s *socket.Socket) {
	log := logger.ForComponent("pgmd.send")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := s.Send(line); err != nil {
			log.Warnf("send failed: %v", err)
		}
	}
}
