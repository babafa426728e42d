package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/sipstack/siptx"
	"github.com/sipstack/siptx/sip"
	"github.com/sipstack/siptx/sipconfig"

	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "sipd.yaml", "path to sipd configuration file")
	flag.Parse()

	cfg, err := sipconfig.Load(*configPath)
	if err != nil {
		// log.Logger isn't configured yet at this point, so this goes to
		// the zerolog default (stderr, info level).
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	configureLogger(cfg.Log)

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Listen, cfg.Metrics.Path)
	}

	srv, err := setupServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up sip server")
	}

	log.Info().Str("network", cfg.Listen.Network).Str("addr", cfg.Listen.Addr).Msg("starting sip server")
	if err := srv.ListenAndServe(context.Background(), cfg.Listen.Network, cfg.Listen.Addr); err != nil {
		log.Error().Err(err).Msg("sip server stopped")
	}
}

func configureLogger(cfg sipconfig.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02 15:04:05.000",
		}).With().Timestamp().Logger().Level(level)
		return
	}

	log.Logger = log.Logger.Level(level)
}

func serveMetrics(addr, path string) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server failed")
	}
}

// setupServer builds the UA, transaction-backed server and dialog layer,
// wires the Server's core.UasHandler through the dialog collaborator, and
// registers a minimal UAS behind it: answer any INVITE with 200, confirm
// on ACK, tear down on BYE.
func setupServer(cfg *sipconfig.Config) (*sipgo.Server, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.Server.Name))
	if err != nil {
		return nil, err
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, err
	}

	contactHDR := sip.ContactHeader{
		Address: contactURI(cfg.Listen.Addr),
	}
	dialogs := sipgo.NewDialogServerCache(client, contactHDR)

	srv, err := sipgo.NewServer(
		ua,
		sipgo.WithServerHeader(cfg.Server.Name),
		sipgo.WithServerSupported(cfg.Server.Supported...),
		sipgo.WithServerDetectLoops(cfg.Server.DetectLoops),
		sipgo.WithServerDialogCollaborator(dialogs),
	)
	if err != nil {
		return nil, err
	}

	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		dlg, err := dialogs.ReadInvite(req, tx)
		if err != nil {
			log.Error().Err(err).Msg("failed to read invite")
			res := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
			_ = tx.Respond(res)
			return
		}
		if err := dlg.Respond(200, "OK", nil, contactHDR.Clone()); err != nil {
			log.Error().Err(err).Msg("failed to answer invite")
		}
	})

	srv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		if err := dialogs.ReadAck(req, tx); err != nil {
			log.Warn().Err(err).Msg("unmatched ack")
		}
	})

	srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		if err := dialogs.ReadBye(req, tx); err != nil {
			log.Warn().Err(err).Msg("unmatched bye")
			res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
			_ = tx.Respond(res)
		}
	})

	return srv, nil
}

func contactURI(listenAddr string) sip.Uri {
	host, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return sip.Uri{Host: listenAddr}
	}
	port, _ := strconv.Atoi(portStr)
	return sip.Uri{Host: host, Port: port}
}
