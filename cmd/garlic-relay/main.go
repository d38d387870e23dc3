// Command garlic-relay runs a standalone garlic relay daemon (design §6
// "CLI surface of the relay daemon"). It hosts the relay server only; it does
// not construct a client-side manager or chain.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/garlic-tunnel/internal/core/garlic/config"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/garlicerr"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/keyring"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/relay"
	"github.com/dep2p/garlic-tunnel/internal/core/garlic/transport"
	"github.com/dep2p/garlic-tunnel/pkg/lib/log"
)

// buildVersion is stamped by the release pipeline; it reads "dev" in a plain
// source checkout (design §12, original's `-V` build-info flag).
var buildVersion = "dev"

var logger = log.Logger("garlic/cmd")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "garlic-relay: %v\n", err)
		os.Exit(2)
	}
}

func run() error {
	bindAddr := flag.String("a", "0.0.0.0:3333", "local UDP bind address")
	identityFlag := flag.String("A", "", "pre-existing relay identity (hex short id); random if absent")
	globalConfig := flag.String("C", "", "global config path (must contain DHT section)")
	stateDir := flag.String("D", ".", "state root directory")
	verbosity := flag.Int("v", 0, "verbosity, additive to FATAL")
	daemonize := flag.Bool("d", false, "daemonise on SIGHUP")
	logFile := flag.String("l", "", "log to file")
	printVersion := flag.Bool("V", false, "print build info")
	flag.Parse()

	if *printVersion {
		fmt.Printf("garlic-relay %s\n", buildVersion)
		return nil
	}

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	if *stateDir == "" {
		return fmt.Errorf("-D state directory must not be empty")
	}
	if *globalConfig == "" {
		logger.Warn("no -C global config given; running without a DHT section")
	}
	_ = *daemonize
	_ = *verbosity

	var kp keyring.KeyPair
	var err error
	if *identityFlag != "" {
		kp, err = parseIdentity(*identityFlag)
	} else {
		kp, err = keyring.GenerateKeyPair()
	}
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	kr := keyring.New()
	if err := kr.AddKey(kp); err != nil {
		return fmt.Errorf("register identity: %w", err)
	}

	logger.Info("starting garlic relay", "short_id", kp.Short.String(), "bind", *bindAddr, "chain_length", cfg.ChainLength)

	// The real ADNL/UDP transport binding is out of this module's scope
	// (design §1/§6, consumed rather than implemented); a caller embedding
	// this daemon in a full ADNL node supplies the live transport.ADNL here.
	net, err := bindTransport(*bindAddr)
	if err != nil {
		return fmt.Errorf("bind transport: %w", err)
	}

	r, err := relay.New(kp.Short, net, kr, relay.WrapClock(clock.New()))
	if err != nil {
		return fmt.Errorf("construct relay: %w", err)
	}
	if err := r.Start(); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	defer r.Stop()

	logger.Info("relay ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	return nil
}

func parseIdentity(hexShort string) (keyring.KeyPair, error) {
	// A bare -A short id names an identity that must already live in
	// persistent key storage (design §6); this daemon does not implement
	// that store itself (out of scope, design §1), so a caller wiring a
	// real deployment must load the matching keypair before Start.
	return keyring.KeyPair{}, garlicerr.New(garlicerr.KindInvalidArgument, "parseIdentity", fmt.Errorf("pre-existing identity loading requires an external key store: %s", hexShort))
}

// bindTransport is a seam for the embedding node to supply its live ADNL
// transport (design §1 "deliberately out of scope"); this module implements
// the garlic protocol against transport.ADNL, not the UDP wire format
// underneath it.
func bindTransport(addr string) (transport.ADNL, error) {
	return nil, garlicerr.New(garlicerr.KindInvalidArgument, "bindTransport",
		fmt.Errorf("no ADNL transport wired for %s; embed this daemon in a node that supplies transport.ADNL", addr))
}
