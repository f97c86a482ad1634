// Command citm runs the client-in-the-middle IMAP proxy: it accepts
// downstream IMAP connections, logs each one into Splintermail's real
// server on its behalf, and transparently encrypts/decrypts message
// bodies against the user's local KeyDir.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ljanyst/citm/pkg/citm"
	"github.com/ljanyst/citm/pkg/config/settings"
	"github.com/ljanyst/citm/pkg/events"
	"github.com/ljanyst/citm/pkg/imapclient"
	"github.com/ljanyst/citm/pkg/imapserver"
)

var log = logrus.WithField("pkg", "main")

func main() {
	settingsPath := flag.String("settings", "citm.yml", "path to the settings file")
	flag.Parse()

	cfg, listenAddr, err := loadConfig(*settingsPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	c := citm.New(cfg)
	subscribeEventLogger(c)

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.WithError(err).WithField("addr", listenAddr).Fatal("failed to listen")
	}
	log.WithField("addr", listenAddr).Info("listening for downstream connections")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info("shutting down")
		cancel()
		_ = ln.Close()
	}()

	acceptLoop(ctx, c, ln)
}

// loadConfig reads path through pkg/config/settings and translates the
// flat key/value store into the typed citm.Config the core wants, plus
// the listen address (which lives outside citm.Config since nothing
// under pkg/citm ever dials its own listener).
func loadConfig(path string) (citm.Config, string, error) {
	s := settings.New(path)

	var dsTLS *tls.Config
	downstreamSecurity := imapserver.ParseSecurity(s.Get(settings.DownstreamSecurity))
	if downstreamSecurity != imapserver.Insecure {
		certFile := s.Get(settings.TLSCertFile)
		keyFile := s.Get(settings.TLSKeyFile)
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return citm.Config{}, "", err
		}
		dsTLS = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	upstreamSecurity := imapclient.TLS
	if !s.GetBool(settings.UpstreamTLS) {
		upstreamSecurity = imapclient.StartTLS
	}

	cfg := citm.Config{
		DownstreamSecurity: downstreamSecurity,
		DownstreamTLS:      dsTLS,
		UpstreamAddr:       net.JoinHostPort(s.Get(settings.UpstreamHost), s.Get(settings.UpstreamPort)),
		UpstreamSecurity:   upstreamSecurity,
		UpstreamVerifyName: s.Get(settings.UpstreamHost),
		KeyDirRoot:         s.Get(settings.KeyDirRoot),
	}
	return cfg, s.Get(settings.ListenAddr), nil
}

func acceptLoop(ctx context.Context, c *citm.Citm, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.WithError(err).Warn("accept failed")
				continue
			}
		}
		go c.AcceptDownstream(ctx, conn)
	}
}

// subscribeEventLogger hooks a plain logging subscriber onto the
// core's event bus so the lifecycle events pkg/citm already emits
// (XKEYSYNC completion, new-device alerts, disconnects) show up
// somewhere even before a real status/IPC consumer exists.
func subscribeEventLogger(c *citm.Citm) {
	for _, event := range []string{events.XKeySyncDoneEvent, events.NewDeviceEvent, events.CloseConnectionEvent} {
		ch := make(chan string, 16)
		c.Events().Add(event, ch)
		go func(event string, ch chan string) {
			for data := range ch {
				log.WithFields(logrus.Fields{"event": event, "data": data}).Debug("citm event")
			}
		}(event, ch)
	}
}
