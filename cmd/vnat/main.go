// Command vnat runs the gateway: it captures traffic addressed to a
// fictitious gateway on one interface, terminates it in a user-space TCP/UDP
// NAT, and redirects every flow through an upstream SOCKS5 proxy.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vnat-project/vnat/pkg/config"
	"github.com/vnat-project/vnat/pkg/forwarder"
	"github.com/vnat-project/vnat/pkg/link"
	"github.com/vnat-project/vnat/pkg/redirector"
	"github.com/vnat-project/vnat/pkg/socksclient"
)

const processName = "vnat"

// flags mirrors config.Config field-for-field; cobra populates it directly,
// and an unset flag (pflag.Changed == false) is left zero so the
// config/env/file layers beneath it are not clobbered.
type flags struct {
	configFile string
	cfg        config.Config
}

func main() {
	ctx := dlog.WithLogger(context.Background(), dlog.WrapLogrus(logrus.StandardLogger()))
	ctx = dgroup.WithGoroutineName(ctx, "/"+processName)

	var f flags
	cmd := &cobra.Command{
		Use:          processName,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Main(cmd.Context(), cmd, f)
		},
	}

	cmd.Flags().StringVar(&f.configFile, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&f.cfg.Interface, "interface", "", "capture interface device name")
	cmd.Flags().StringVar(&f.cfg.SourceSubnetCIDR, "source-subnet", "", "CIDR of the one source subnet accepted")
	cmd.Flags().StringVar(&f.cfg.GatewayIP, "gateway-ip", "", "fictitious gateway address ARPed for")
	cmd.Flags().StringVar(&f.cfg.LocalIP, "local-ip", "", "gateway's own address on the capture interface")
	cmd.Flags().IntVar(&f.cfg.LocalMTU, "local-mtu", 0, "local interface MTU (default 1500)")
	cmd.Flags().StringVar(&f.cfg.SocksAddr, "socks-addr", "", "upstream SOCKS5 proxy host:port")
	cmd.Flags().StringVar(&f.cfg.SocksUsername, "socks-username", "", "SOCKS5 username (optional)")
	cmd.Flags().StringVar(&f.cfg.SocksPassword, "socks-password", "", "SOCKS5 password (optional)")
	cmd.Flags().StringVar(&f.cfg.ForceAssociateDst, "force-associate-dst", "", "override UDP ASSOCIATE's DST.ADDR/DST.PORT")
	cmd.Flags().StringVar(&f.cfg.ForceAssociateBindAddr, "force-associate-bind-addr", "", "local IP the UDP ASSOCIATE socket binds to")
	cmd.Flags().DurationVar(&f.cfg.TickInterval, "tick-interval", 0, "retransmission timer interval (default 100ms)")
	cmd.Flags().StringVar(&f.cfg.LogLevel, "log-level", "", "logrus level name (default info)")
	cmd.Flags().IntVar(&f.cfg.SnapLen, "snaplen", 0, "pcap capture snapshot length (default 65535)")

	if err := cmd.ExecuteContext(ctx); err != nil {
		dlog.Errorf(ctx, "quit: %v", err)
		os.Exit(1)
	}
}

// Main assembles the configuration layers, wires the transport engine
// together, and runs it under a supervised goroutine group until the
// process is signalled to stop.
func Main(ctx context.Context, cmd *cobra.Command, f flags) error {
	cfg := config.Default()
	if f.configFile != "" {
		var err error
		cfg, err = config.LoadFile(cfg, f.configFile)
		if err != nil {
			return err
		}
	}
	cfg, err := config.LoadEnv(ctx, cfg)
	if err != nil {
		return err
	}
	cfg = cfg.Override(changedFlags(cmd, f.cfg))

	resolved, err := cfg.Resolve()
	if err != nil {
		return fmt.Errorf("vnat: %w", err)
	}

	ctx = applyLogLevel(ctx, resolved.LogLevel)

	iface, err := net.InterfaceByName(resolved.Interface)
	if err != nil {
		return fmt.Errorf("vnat: looking up interface %s: %w", resolved.Interface, err)
	}

	sender, receiver, err := link.Open(resolved.Interface, resolved.SnapLen, pollReadTimeout)
	if err != nil {
		return fmt.Errorf("vnat: opening capture on %s: %w", resolved.Interface, err)
	}
	defer receiver.Close()

	fwd := forwarder.New(forwarder.Config{
		GatewayIP:  resolved.GatewayIP,
		GatewayMAC: iface.HardwareAddr,
		LocalMTU:   resolved.LocalMTU,
	}, sender)

	socksClient := socksclient.New(resolved.SocksAddr, "", "")
	socksClient.Auth = resolved.SocksAuth
	socksClient.ForceAssociateDst = resolved.ForceAssociateDst
	socksClient.ForceAssociateBindAddr = resolved.ForceAssociateBindAddr

	red := redirector.New(redirector.Config{
		SourceSubnet: resolved.SourceSubnet,
		GatewayIP:    resolved.GatewayIP,
		LocalIP:      resolved.LocalIP,
		LocalMTU:     resolved.LocalMTU,
	}, receiver, fwd, redirector.NewSocksAdapter(socksClient))

	dlog.Infof(ctx, "vnat: capturing on %s, redirecting %s through %s", resolved.Interface, resolved.SourceSubnet, resolved.SocksAddr)

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		SoftShutdownTimeout:  2 * time.Second,
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})
	grp.Go("capture", red.Run)
	grp.Go("ticker", func(ctx context.Context) error {
		return runTicker(ctx, red, resolved.TickInterval)
	})
	return grp.Wait()
}

// pollReadTimeout is the capture handle's own blocking-read deadline; the
// Redirector's run loop treats link.ErrTimedOut as a cue to poll again, not
// as a failure.
const pollReadTimeout = 50 * time.Millisecond

func runTicker(ctx context.Context, red *redirector.Redirector, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			red.Tick(ctx)
		}
	}
}

// changedFlags returns a Config holding only the fields whose flags were
// actually set on the command line, so merge leaves everything else alone.
func changedFlags(cmd *cobra.Command, parsed config.Config) config.Config {
	var out config.Config
	changed := func(name string) bool {
		fl := cmd.Flags().Lookup(name)
		return fl != nil && fl.Changed
	}
	if changed("interface") {
		out.Interface = parsed.Interface
	}
	if changed("source-subnet") {
		out.SourceSubnetCIDR = parsed.SourceSubnetCIDR
	}
	if changed("gateway-ip") {
		out.GatewayIP = parsed.GatewayIP
	}
	if changed("local-ip") {
		out.LocalIP = parsed.LocalIP
	}
	if changed("local-mtu") {
		out.LocalMTU = parsed.LocalMTU
	}
	if changed("socks-addr") {
		out.SocksAddr = parsed.SocksAddr
	}
	if changed("socks-username") {
		out.SocksUsername = parsed.SocksUsername
	}
	if changed("socks-password") {
		out.SocksPassword = parsed.SocksPassword
	}
	if changed("force-associate-dst") {
		out.ForceAssociateDst = parsed.ForceAssociateDst
	}
	if changed("force-associate-bind-addr") {
		out.ForceAssociateBindAddr = parsed.ForceAssociateBindAddr
	}
	if changed("tick-interval") {
		out.TickInterval = parsed.TickInterval
	}
	if changed("log-level") {
		out.LogLevel = parsed.LogLevel
	}
	if changed("snaplen") {
		out.SnapLen = parsed.SnapLen
	}
	return out
}

func applyLogLevel(ctx context.Context, levelName string) context.Context {
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrusLogger := logrus.New()
	logrusLogger.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	})
	logrusLogger.SetLevel(level)
	logger := dlog.WrapLogrus(logrusLogger)
	dlog.SetFallbackLogger(logger)
	return dlog.WithLogger(ctx, logger)
}
