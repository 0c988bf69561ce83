package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shineum/form-relay-lite/internal/dispatch"
	"github.com/shineum/form-relay-lite/internal/email"
	"github.com/shineum/form-relay-lite/internal/provider/resend"
	"github.com/shineum/form-relay-lite/internal/tenant"
	"github.com/shineum/form-relay-lite/internal/turnstile"
)

var (
	pingOnly bool
	remoteIP string
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration and the tenant registry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := bootstrap()
		if err != nil {
			return err
		}
		registry, err := tenant.Load(cfg.Tenants.File)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "provider:    %s\n", cfg.Provider)
		fmt.Fprintf(out, "environment: %s\n", cfg.Server.Environment)
		fmt.Fprintf(out, "tenants:     %d\n", registry.Len())
		for _, host := range registry.Hosts() {
			fmt.Fprintf(out, "  - %s\n", host)
		}
		return nil
	},
}

var sendTestCmd = &cobra.Command{
	Use:   "send-test <domain>",
	Short: "Send a test message through the configured provider",
	Long: `Send a test message to the recipient registered for <domain>, using the
same retry policy as live submissions. With --ping and the Resend provider,
only the API credentials are probed and <domain> is not required.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bootstrap()
		if err != nil {
			return err
		}
		prov, err := selectProvider(cmd.Context(), cfg)
		if err != nil {
			return err
		}

		if pingOnly {
			r, ok := prov.(*resend.ResendProvider)
			if !ok {
				return fmt.Errorf("--ping is only supported by the resend provider, not %s", prov.Name())
			}
			if err := r.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("resend ping failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "resend: ok")
			return nil
		}

		if len(args) == 0 {
			return errors.New("a domain is required")
		}
		registry, err := tenant.Load(cfg.Tenants.File)
		if err != nil {
			return err
		}
		domain := strings.ToLower(args[0])
		tc, ok := registry.Resolve("https://" + domain)
		if !ok {
			return fmt.Errorf("domain %s is not registered", domain)
		}

		sender := dispatch.New(prov, dispatch.Config{
			MaxAttempts: cfg.Delivery.MaxAttempts,
			BaseDelay:   cfg.Delivery.RetryDelay,
		})
		result, err := sender.Send(cmd.Context(), testMessage(domain, tc))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent via %s after %d attempt(s): %s\n",
			result.Provider, result.Attempts, result.MessageID)
		return nil
	},
}

var verifyTokenCmd = &cobra.Command{
	Use:   "verify-token <domain> <token>",
	Short: "Check a Turnstile token against a tenant's secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bootstrap()
		if err != nil {
			return err
		}
		registry, err := tenant.Load(cfg.Tenants.File)
		if err != nil {
			return err
		}
		tc, ok := registry.Resolve("https://" + args[0])
		if !ok {
			return fmt.Errorf("domain %s is not registered", args[0])
		}

		verifier := turnstile.New(turnstile.Config{
			VerifyURL: cfg.Turnstile.VerifyURL,
			Timeout:   cfg.Turnstile.Timeout,
		})
		if !verifier.Verify(cmd.Context(), args[1], tc.Turnstile.SecretKey, remoteIP) {
			return errors.New("token rejected")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "token accepted")
		return nil
	},
}

func init() {
	sendTestCmd.Flags().BoolVar(&pingOnly, "ping", false, "only probe provider credentials (resend)")
	verifyTokenCmd.Flags().StringVar(&remoteIP, "remote-ip", "", "client address to forward to siteverify")
}

// testMessage is the probe sent by send-test.
func testMessage(domain string, tc tenant.Config) *email.Message {
	msg := &email.Message{
		From:    email.Address{Name: tc.FromName, Address: tc.FromAddress},
		To:      []string{tc.To},
		Subject: "Test Email from form-relay-lite for " + domain,
		HTML:    "<p>This is a test message. Form submissions for " + domain + " will be delivered here.</p>",
		Text:    "This is a test message. Form submissions for " + domain + " will be delivered here.",
	}
	if tc.Cc != "" {
		msg.Cc = []string{tc.Cc}
	}
	if tc.Bcc != "" {
		msg.Bcc = []string{tc.Bcc}
	}
	return msg
}
