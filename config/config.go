// Package config wires environment variables and CLI flags into the
// processor's runtime configuration.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli"
)

const (
	DatabaseURLFlagName           = "database-url"
	PaymentReceiverFlagName       = "payment-receiver"
	BaseNodeFlagName              = "base-node"
	ConsoleWalletPathFlagName     = "console-wallet-path"
	ConsoleWalletPasswordFlagName = "console-wallet-password"
	ListenIPFlagName              = "listen-ip"
	ListenPortFlagName            = "listen-port"
	NetworkTimeoutFlagName        = "network-timeout"

	BatchCreatorSleepFlagName        = "batch-creator-sleep-secs"
	UnsignedTxCreatorSleepFlagName   = "unsigned-tx-creator-sleep-secs"
	TransactionSignerSleepFlagName   = "transaction-signer-sleep-secs"
	BroadcasterSleepFlagName         = "broadcaster-sleep-secs"
	ConfirmationCheckerSleepFlagName = "confirmation-checker-sleep-secs"
)

// DefaultSleepSecs is the per-worker polling interval when the
// corresponding *_SLEEP_SECS variable is unset.
const DefaultSleepSecs = 10

func CLIFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:   DatabaseURLFlagName,
			Usage:  "Connection string of the payments database",
			EnvVar: "DATABASE_URL",
		},
		cli.StringFlag{
			Name:   PaymentReceiverFlagName,
			Usage:  "URL of the payment receiver service that builds unsigned transactions",
			EnvVar: "PAYMENT_RECEIVER",
		},
		cli.StringFlag{
			Name:   BaseNodeFlagName,
			Usage:  "URL of the base node used for broadcasting and confirmation checks",
			EnvVar: "BASE_NODE",
		},
		cli.StringFlag{
			Name:   ConsoleWalletPathFlagName,
			Usage:  "Path to the console wallet executable used for signing",
			EnvVar: "CONSOLE_WALLET_PATH",
		},
		cli.StringFlag{
			Name:   ConsoleWalletPasswordFlagName,
			Usage:  "Password passed to the console wallet via its environment",
			EnvVar: "CONSOLE_WALLET_PASSWORD",
		},
		cli.StringFlag{
			Name:   ListenIPFlagName,
			Usage:  "IP address the ingress API listens on",
			Value:  "0.0.0.0",
			EnvVar: "LISTEN_IP",
		},
		cli.UintFlag{
			Name:   ListenPortFlagName,
			Usage:  "Port the ingress API listens on",
			Value:  9145,
			EnvVar: "LISTEN_PORT",
		},
		cli.DurationFlag{
			Name:   NetworkTimeoutFlagName,
			Usage:  "Timeout for a single request to the receiver or base node",
			Value:  10 * time.Second,
			EnvVar: "NETWORK_TIMEOUT",
		},
		cli.Uint64Flag{
			Name:   BatchCreatorSleepFlagName,
			Usage:  "Seconds between batch creator ticks",
			Value:  DefaultSleepSecs,
			EnvVar: "BATCH_CREATOR_SLEEP_SECS",
		},
		cli.Uint64Flag{
			Name:   UnsignedTxCreatorSleepFlagName,
			Usage:  "Seconds between unsigned transaction creator ticks",
			Value:  DefaultSleepSecs,
			EnvVar: "UNSIGNED_TX_CREATOR_SLEEP_SECS",
		},
		cli.Uint64Flag{
			Name:   TransactionSignerSleepFlagName,
			Usage:  "Seconds between transaction signer ticks",
			Value:  DefaultSleepSecs,
			EnvVar: "TRANSACTION_SIGNER_SLEEP_SECS",
		},
		cli.Uint64Flag{
			Name:   BroadcasterSleepFlagName,
			Usage:  "Seconds between broadcaster ticks",
			Value:  DefaultSleepSecs,
			EnvVar: "BROADCASTER_SLEEP_SECS",
		},
		cli.Uint64Flag{
			Name:   ConfirmationCheckerSleepFlagName,
			Usage:  "Seconds between confirmation checker ticks",
			Value:  DefaultSleepSecs,
			EnvVar: "CONFIRMATION_CHECKER_SLEEP_SECS",
		},
	}
}

// Config holds the validated runtime configuration.
type Config struct {
	DatabaseURL           string
	PaymentReceiver       string
	BaseNode              string
	ConsoleWalletPath     string
	ConsoleWalletPassword string
	ListenIP              string
	ListenPort            uint
	NetworkTimeout        time.Duration

	BatchCreatorInterval        time.Duration
	UnsignedTxCreatorInterval   time.Duration
	TransactionSignerInterval   time.Duration
	BroadcasterInterval         time.Duration
	ConfirmationCheckerInterval time.Duration
}

func (c Config) Check() error {
	if c.DatabaseURL == "" {
		return errors.New("must provide DATABASE_URL")
	}
	if c.PaymentReceiver == "" {
		return errors.New("must provide PAYMENT_RECEIVER")
	}
	if c.BaseNode == "" {
		return errors.New("must provide BASE_NODE")
	}
	if c.ConsoleWalletPath == "" {
		return errors.New("must provide CONSOLE_WALLET_PATH")
	}
	if c.ConsoleWalletPassword == "" {
		return errors.New("must provide CONSOLE_WALLET_PASSWORD")
	}
	if c.ListenPort == 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid LISTEN_PORT %d", c.ListenPort)
	}
	if c.NetworkTimeout == 0 {
		return errors.New("must provide NETWORK_TIMEOUT")
	}
	for _, iv := range []time.Duration{
		c.BatchCreatorInterval, c.UnsignedTxCreatorInterval, c.TransactionSignerInterval,
		c.BroadcasterInterval, c.ConfirmationCheckerInterval,
	} {
		if iv <= 0 {
			return errors.New("worker sleep intervals must be positive")
		}
	}
	return nil
}

func ReadConfig(ctx *cli.Context) Config {
	sleep := func(name string) time.Duration {
		return time.Duration(ctx.GlobalUint64(name)) * time.Second
	}
	return Config{
		DatabaseURL:           ctx.GlobalString(DatabaseURLFlagName),
		PaymentReceiver:       ctx.GlobalString(PaymentReceiverFlagName),
		BaseNode:              ctx.GlobalString(BaseNodeFlagName),
		ConsoleWalletPath:     ctx.GlobalString(ConsoleWalletPathFlagName),
		ConsoleWalletPassword: ctx.GlobalString(ConsoleWalletPasswordFlagName),
		ListenIP:              ctx.GlobalString(ListenIPFlagName),
		ListenPort:            ctx.GlobalUint(ListenPortFlagName),
		NetworkTimeout:        ctx.GlobalDuration(NetworkTimeoutFlagName),

		BatchCreatorInterval:        sleep(BatchCreatorSleepFlagName),
		UnsignedTxCreatorInterval:   sleep(UnsignedTxCreatorSleepFlagName),
		TransactionSignerInterval:   sleep(TransactionSignerSleepFlagName),
		BroadcasterInterval:         sleep(BroadcasterSleepFlagName),
		ConfirmationCheckerInterval: sleep(ConfirmationCheckerSleepFlagName),
	}
}
