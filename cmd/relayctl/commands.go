// ABOUTME: Cobra command tree for relayctl
// ABOUTME: resolves connection settings from flags, environment, then config file

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/discord-relay/internal/client"
	"github.com/2389/discord-relay/internal/config"
)

type globalOptions struct {
	baseURL   string
	apiKey    string
	backendID string
	config    string
	requestID string
	jsonOut   bool
	pretty    bool
	quiet     bool
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "relayctl",
		Short: "Command-line client for the discord-relay API",
		Long: `relayctl drives a relay server on behalf of one backend bot.

Connection settings resolve in order: flags, then RELAY_BASE_URL /
RELAY_API_KEY / RELAY_BACKEND_ID / RELAY_CONFIG, then the config file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.baseURL, "base-url", "", "relay server base URL")
	pf.StringVar(&opts.apiKey, "api-key", "", "backend bot API key")
	pf.StringVar(&opts.backendID, "backend-id", "", "backend bot ID to read credentials from the config file")
	pf.StringVar(&opts.config, "config", "", "relay config file for connection settings")
	pf.StringVar(&opts.requestID, "request-id", "", "X-Request-ID header to attach to every call")
	pf.BoolVar(&opts.jsonOut, "json", false, "print raw JSON responses")
	pf.BoolVar(&opts.pretty, "pretty", false, "indent JSON output")
	pf.BoolVar(&opts.quiet, "quiet", false, "suppress non-essential output")

	root.AddCommand(
		newRetrieveCommand(opts),
		newLeaseCommand(opts),
		newAckCommand(opts),
		newNackCommand(opts),
		newSendCommand(opts),
	)
	return root
}

// resolveClient applies the flag > env > config-file precedence.
func resolveClient(opts *globalOptions) (*client.Client, error) {
	baseURL := opts.baseURL
	if baseURL == "" {
		baseURL = os.Getenv("RELAY_BASE_URL")
	}
	apiKey := opts.apiKey
	if apiKey == "" {
		apiKey = os.Getenv("RELAY_API_KEY")
	}

	if baseURL == "" || apiKey == "" {
		configPath := opts.config
		if configPath == "" {
			configPath = os.Getenv("RELAY_CONFIG")
		}
		if configPath != "" {
			cfgURL, cfgKey, err := fromConfigFile(configPath, opts)
			if err != nil {
				return nil, err
			}
			if baseURL == "" {
				baseURL = cfgURL
			}
			if apiKey == "" {
				apiKey = cfgKey
			}
		}
	}

	if baseURL == "" {
		return nil, usagef("no base URL: pass --base-url, set RELAY_BASE_URL, or point --config at a relay config")
	}
	if apiKey == "" {
		return nil, usagef("no API key: pass --api-key, set RELAY_API_KEY, or point --config at a relay config")
	}

	var copts []client.Option
	if opts.requestID != "" {
		copts = append(copts, client.WithRequestID(opts.requestID))
	}
	return client.New(baseURL, apiKey, copts...), nil
}

func fromConfigFile(path string, opts *globalOptions) (baseURL, apiKey string, err error) {
	cfg, err := config.Load(path)
	if err != nil {
		return "", "", err
	}

	baseURL = cfg.Server.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Server.BindHost, cfg.Server.BindPort)
	}

	backendID := opts.backendID
	if backendID == "" {
		backendID = os.Getenv("RELAY_BACKEND_ID")
	}
	if backendID == "" {
		bots := cfg.EnabledBackendBots()
		if len(bots) != 1 {
			return "", "", usagef("config has %d backend bots; pick one with --backend-id", len(bots))
		}
		return baseURL, bots[0].APIKey, nil
	}

	bot, ok := cfg.BackendBot(backendID)
	if !ok {
		return "", "", usagef("backend bot %q not found in %s", backendID, path)
	}
	return baseURL, bot.APIKey, nil
}

func (o *globalOptions) printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	if o.pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func (o *globalOptions) printf(format string, args ...any) {
	if !o.quiet {
		fmt.Printf(format, args...)
	}
}

func printMessageLine(o *globalOptions, deliveryID string, m client.ChatMessage) {
	where := "dm"
	if !m.Source.IsDM && m.Source.ChannelID != nil {
		where = "#" + *m.Source.ChannelID
	}
	o.printf("%s  [%s] %s %s: %s\n",
		deliveryID, m.Timestamp.Format("2006-01-02 15:04:05"), where, m.Source.AuthorName, m.Content)
}

func newRetrieveCommand(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Fetch pending messages without a lease (marks them delivered)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(opts)
			if err != nil {
				return err
			}
			resp, err := c.Pending(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return opts.printJSON(resp)
			}
			if len(resp.Messages) == 0 {
				opts.printf("no pending messages\n")
				return nil
			}
			for _, m := range resp.Messages {
				printMessageLine(opts, m.DeliveryID, m.ChatMessage)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum messages to fetch")
	return cmd
}

func newLeaseCommand(opts *globalOptions) *cobra.Command {
	var limit, leaseSeconds, historyLimit int
	var noHistory bool
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Claim pending messages under a lease",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(opts)
			if err != nil {
				return err
			}
			req := client.LeaseRequest{
				Limit:                    limit,
				LeaseSeconds:             leaseSeconds,
				ConversationHistoryLimit: historyLimit,
			}
			if noHistory {
				f := false
				req.IncludeConversationHistory = &f
			}
			resp, err := c.Lease(cmd.Context(), req)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return opts.printJSON(resp)
			}
			if len(resp.Messages) == 0 {
				opts.printf("no pending messages\n")
				return nil
			}
			opts.printf("lease %s expires %s\n",
				resp.Messages[0].LeaseID, resp.Messages[0].LeaseExpiresAt.Format("15:04:05"))
			for _, m := range resp.Messages {
				printMessageLine(opts, m.DeliveryID, m.ChatMessage)
			}
			if len(resp.ConversationHistory) > 0 {
				opts.printf("-- history (%d) --\n", len(resp.ConversationHistory))
				for _, m := range resp.ConversationHistory {
					printMessageLine(opts, "", m)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum messages to lease")
	cmd.Flags().IntVar(&leaseSeconds, "lease-seconds", 0, "lease duration in seconds")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "skip conversation history")
	cmd.Flags().IntVar(&historyLimit, "history-limit", 0, "maximum history messages")
	return cmd
}

func newAckCommand(opts *globalOptions) *cobra.Command {
	var leaseID string
	cmd := &cobra.Command{
		Use:   "ack DELIVERY_ID...",
		Short: "Acknowledge leased messages as processed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if leaseID == "" {
				return usagef("--lease-id is required")
			}
			c, err := resolveClient(opts)
			if err != nil {
				return err
			}
			resp, err := c.Ack(cmd.Context(), args, leaseID)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return opts.printJSON(resp)
			}
			opts.printf("acked %d of %d\n", resp.AcknowledgedCount, len(args))
			return nil
		},
	}
	cmd.Flags().StringVar(&leaseID, "lease-id", "", "lease the deliveries are held under")
	return cmd
}

func newNackCommand(opts *globalOptions) *cobra.Command {
	var leaseID, reason string
	cmd := &cobra.Command{
		Use:   "nack DELIVERY_ID...",
		Short: "Return leased messages to the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if leaseID == "" {
				return usagef("--lease-id is required")
			}
			c, err := resolveClient(opts)
			if err != nil {
				return err
			}
			resp, err := c.Nack(cmd.Context(), args, leaseID, reason)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return opts.printJSON(resp)
			}
			opts.printf("nacked %d of %d\n", resp.NackedCount, len(args))
			return nil
		},
	}
	cmd.Flags().StringVar(&leaseID, "lease-id", "", "lease the deliveries are held under")
	cmd.Flags().StringVar(&reason, "reason", "", "why the messages are being returned")
	return cmd
}

func newSendCommand(opts *globalOptions) *cobra.Command {
	var chatBotID, dmUserID, channelID, content, replyTo string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message through a chat bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if chatBotID == "" {
				return usagef("--chat-bot is required")
			}
			if content == "" {
				return usagef("--content is required")
			}
			if (dmUserID == "") == (channelID == "") {
				return usagef("pass exactly one of --dm or --channel")
			}

			dest := client.Destination{Type: "channel", ChannelID: channelID}
			if dmUserID != "" {
				dest = client.Destination{Type: "dm", UserID: dmUserID}
			}

			c, err := resolveClient(opts)
			if err != nil {
				return err
			}
			resp, err := c.Send(cmd.Context(), client.SendRequest{
				ChatBotID:            chatBotID,
				Destination:          dest,
				Content:              content,
				ReplyToChatMessageID: replyTo,
			})
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return opts.printJSON(resp)
			}
			where := strings.TrimSpace(dest.Type + " " + dest.UserID + dest.ChannelID)
			opts.printf("sent %s to %s\n", resp.ChatMessageID, where)
			return nil
		},
	}
	cmd.Flags().StringVar(&chatBotID, "chat-bot", "", "chat bot ID to send through")
	cmd.Flags().StringVar(&dmUserID, "dm", "", "user ID to DM")
	cmd.Flags().StringVar(&channelID, "channel", "", "channel ID to post in")
	cmd.Flags().StringVar(&content, "content", "", "message text")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "chat message ID to reply to")
	return cmd
}
