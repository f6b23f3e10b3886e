// rnsdemo wires every layer of this module together end to end over a real
// TCP socket: an Identity, a SINGLE destination, the Transport's interface
// registry and link table, a Channel carrying line-oriented chat messages,
// and the Resource manager carrying whole files. It exists to exercise the
// stack the way the teacher's cmd/zkclient and cmd/zkserver exercise zkc —
// a thin flag-parsed wrapper, not a library in its own right.
package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/companyzero/rns/buffer"
	"github.com/companyzero/rns/channel"
	"github.com/companyzero/rns/destination"
	"github.com/companyzero/rns/iface"
	"github.com/companyzero/rns/identity"
	"github.com/companyzero/rns/link"
	"github.com/companyzero/rns/resource"
	"github.com/companyzero/rns/rlog"
	"github.com/companyzero/rns/rnsconfig"
	"github.com/companyzero/rns/transport"
	"golang.org/x/sync/errgroup"
)

const (
	appName      = "rnsdemo"
	demoStreamID = uint16(1)
)

func main() {
	var (
		listenAddr = flag.String("listen", "", "address to accept a single inbound link on (e.g. :7322)")
		dialAddr   = flag.String("dial", "", "address to dial and open a link to")
		peerIDHex  = flag.String("peer", "", "hex-encoded public identity of the destination to dial (required with -dial)")
		idPath     = flag.String("identity", "", "path to a private identity file; generated if missing")
	)
	flag.Parse()

	priv, err := loadOrCreateIdentity(*idPath)
	if err != nil {
		fatal("identity: %v", err)
	}
	fmt.Fprintf(os.Stderr, "local identity: %s\n", hex.EncodeToString(priv.Public.Hash[:]))

	cfg := rnsconfig.Default()
	log := rlog.Default
	tr := transport.New(cfg, log, nil)

	switch {
	case *listenAddr != "":
		runListen(tr, cfg, priv, *listenAddr)
	case *dialAddr != "" && *peerIDHex != "":
		runDial(tr, cfg, priv, *dialAddr, *peerIDHex)
	default:
		flag.Usage()
		os.Exit(1)
	}
}

func loadOrCreateIdentity(path string) (*identity.PrivateIdentity, error) {
	if path == "" {
		return identity.New()
	}
	if b, err := os.ReadFile(path); err == nil {
		return identity.FromPrivateBytes(b)
	}
	priv, err := identity.New()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, priv.PrivateBytes(), 0600); err != nil {
		return nil, fmt.Errorf("writing new identity: %w", err)
	}
	return priv, nil
}

func runListen(tr *transport.Transport, cfg rnsconfig.Config, priv *identity.PrivateIdentity, addr string) {
	dest, err := destination.NewSingleIn(priv, destination.ProveAll, appName, "chat")
	if err != nil {
		fatal("destination: %v", err)
	}
	if err := tr.RegisterDestination(dest); err != nil {
		fatal("register destination: %v", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fatal("listen: %v", err)
	}
	fmt.Fprintf(os.Stderr, "listening on %s, waiting for one connection\n", addr)

	sessions := make(chan *errgroup.Group, 1)
	tr.OnNewLink(func(l *link.Link, outlet link.Outlet) {
		fmt.Fprintf(os.Stderr, "link %x established\n", l.ID())
		sessions <- wireSession(l, cfg)
	})

	conn, err := ln.Accept()
	if err != nil {
		fatal("accept: %v", err)
	}
	tcpIf := iface.NewTCP("tcp-in", conn, 1500)
	if err := tr.RegisterInterface(tcpIf); err != nil {
		fatal("register interface: %v", err)
	}
	tcpIf.Start()

	if err := (<-sessions).Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "session ended: %v\n", err)
	}
}

func runDial(tr *transport.Transport, cfg rnsconfig.Config, priv *identity.PrivateIdentity, addr, peerIDHex string) {
	raw, err := hex.DecodeString(peerIDHex)
	if err != nil {
		fatal("bad -peer hex: %v", err)
	}
	peerID, err := identity.UnmarshalPublicIdentity(raw)
	if err != nil {
		fatal("unmarshal peer identity: %v", err)
	}
	dest, err := destination.NewSingleOut(peerID, appName, "chat")
	if err != nil {
		fatal("destination: %v", err)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fatal("dial: %v", err)
	}
	tcpIf := iface.NewTCP("tcp-out", conn, 1500)
	if err := tr.RegisterInterface(tcpIf); err != nil {
		fatal("register interface: %v", err)
	}
	tcpIf.Start()

	l, err := tr.OpenLink("tcp-out", dest)
	if err != nil {
		fatal("open link: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for l.State() != link.Active && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if l.State() != link.Active {
		fatal("link never reached active state")
	}
	fmt.Fprintf(os.Stderr, "link %x active\n", l.ID())

	if err := wireSession(l, cfg).Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "session ended: %v\n", err)
	}
}

// wireSession attaches a Channel (for line-oriented chat over a
// RawChannelWriter/Reader pair) and a Resource Manager (for whole-file
// transfers) to l, then runs the inbound-echo and stdin-pump pumps on a
// plain errgroup.Group; the caller's Wait returns once both pumps have
// exited, with the first error either returned. One pump's exit does not
// stop the other.
func wireSession(l *link.Link, cfg rnsconfig.Config) *errgroup.Group {
	ch := channel.New(l, cfg, rlog.Default, nil)
	g := &errgroup.Group{}
	if err := buffer.RegisterOn(ch); err != nil {
		g.Go(func() error { return fmt.Errorf("register stream type: %w", err) })
		return g
	}
	l.AttachChannel(ch)
	l.StartKeepalive()

	reader := buffer.NewRawChannelReader(demoStreamID)
	ch.AddMessageHandler(reader.AsHandler())
	writer := buffer.NewBufferedWriter(buffer.NewRawChannelWriter(ch, demoStreamID))

	resMgr := resource.NewManager(l, cfg, rlog.Default, nil)
	l.AttachResourceSink(resMgr)
	resMgr.OnComplete(func(id [16]byte, name string, data []byte) {
		fmt.Fprintf(os.Stderr, "\nreceived file %q (%d bytes)\n", name, len(data))
	})

	g.Go(func() error {
		scanner := buffer.NewLineReader(reader)
		for scanner.Scan() {
			fmt.Println(scanner.Text())
		}
		return scanner.Err()
	})

	g.Go(func() error {
		in := bufio.NewScanner(os.Stdin)
		for in.Scan() {
			line := in.Text()
			if _, err := fmt.Fprintln(writer, line); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			if err := writer.Flush(); err != nil {
				return fmt.Errorf("flush: %w", err)
			}
		}
		return in.Err()
	})

	return g
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
