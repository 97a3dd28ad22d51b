// Command approver votes on barrier announcements using a JavaScript policy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coachpo/barrierbus/internal/app/approver"
	"github.com/coachpo/barrierbus/internal/domain/schema"
	"github.com/coachpo/barrierbus/internal/infra/bus/eventbus"
	"github.com/coachpo/barrierbus/internal/infra/logging"
)

type options struct {
	url         string
	responderID string
	policyPath  string
	fallback    string
	room        string
	logLevel    string
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = opts.logLevel
	logging.Init(logCfg)
	logger := logging.Component("approver")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := buildClient(opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("build approver")
	}
	err = client.Run(ctx)
	connects, votes, rejected := client.Stats()
	logger.Info().
		Uint64("connects", connects).
		Uint64("votes", votes).
		Uint64("rejected", rejected).
		Msg("approver stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("approver failed")
	}
}

func parseOptions(argv []string) (options, error) {
	var opts options
	flags := flag.NewFlagSet("approver", flag.ContinueOnError)
	flags.StringVar(&opts.url, "url", "ws://127.0.0.1:8880/ws", "Socket endpoint of the bus")
	flags.StringVar(&opts.responderID, "id", "", "Responder id used for votes (defaults to the hostname)")
	flags.StringVar(&opts.policyPath, "policy", "", "JavaScript policy file exporting decide(request)")
	flags.StringVar(&opts.fallback, "default", string(schema.ProgressionContinue), "Progression used without a policy or when it fails")
	flags.StringVar(&opts.room, "room", eventbus.DefaultBarrierRoom, "Room carrying barrier announcements")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level")
	if err := flags.Parse(argv); err != nil {
		return options{}, err
	}
	if _, err := schema.ParseProgression(opts.fallback); err != nil {
		return options{}, fmt.Errorf("-default: %w", err)
	}
	if strings.TrimSpace(opts.responderID) == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "approver"
		}
		opts.responderID = host
	}
	return opts, nil
}

func buildClient(opts options) (*approver.Client, error) {
	fallback, err := schema.ParseProgression(opts.fallback)
	if err != nil {
		return nil, err
	}
	policyOpts := []approver.PolicyOption{
		approver.WithFallback(fallback),
		approver.WithPolicyLogger(logging.Component("policy")),
	}

	var policy *approver.Policy
	if strings.TrimSpace(opts.policyPath) == "" {
		policy = approver.StaticPolicy(fallback, policyOpts...)
	} else {
		policy, err = approver.LoadPolicy(opts.policyPath, policyOpts...)
		if err != nil {
			return nil, err
		}
	}

	return approver.NewClient(approver.ClientConfig{
		URL:         opts.url,
		ResponderID: opts.responderID,
		Room:        opts.room,
	}, policy, approver.WithClientLogger(logging.Component("approver")))
}
