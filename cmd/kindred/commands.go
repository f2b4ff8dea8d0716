package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kindling-ai/kindred/internal/config"
)

// --- detect ---

var detectCmd = &cobra.Command{
	Use:   "detect <user-id> <other-user-id>",
	Short: "Report a detected person and let the assistant act",
	Long: `Report a detected person and let the assistant act.

Examples:
  kindred detect me sarah-chen
  kindred detect me sarah-chen --context "Lobby of GopherCon"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventContext, _ := cmd.Flags().GetString("context")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"user_id":       args[0],
			"other_user_id": args[1],
			"context":       eventContext,
		}
		resp, err := client.post(cmd.Context(), "/detections", req)
		if err != nil {
			return err
		}

		var result struct {
			Outcome    string `json:"outcome"`
			Draft      string `json:"draft"`
			Channel    string `json:"channel"`
			ApprovalID string `json:"approval_id"`
			Match      struct {
				Score  float64 `json:"score"`
				Reason string  `json:"reason"`
			} `json:"match"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printStatus("Match", "%.2f — %s", result.Match.Score, result.Match.Reason)
		switch result.Outcome {
		case "sent":
			printSuccess("Sent via %s: %s", result.Channel, result.Draft)
		case "pending_approval":
			printWarning("Queued for approval (%s)", result.ApprovalID)
			printStatus("Draft", "%s", result.Draft)
		case "suppressed":
			printStatus("Outcome", "suppressed by your settings")
		default:
			printStatus("Outcome", "%s", result.Outcome)
		}
		return nil
	},
}

// --- message ---

var messageCmd = &cobra.Command{
	Use:   "message <user-id> <sender-id> <text>",
	Short: "Feed an incoming message to the assistant",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, _ := cmd.Flags().GetString("conversation")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"user_id":         args[0],
			"sender_id":       args[1],
			"text":            args[2],
			"conversation_id": conversationID,
		}
		resp, err := client.post(cmd.Context(), "/messages", req)
		if err != nil {
			return err
		}

		var result struct {
			Outcome        string `json:"outcome"`
			Draft          string `json:"draft"`
			ApprovalID     string `json:"approval_id"`
			ConversationID string `json:"conversation_id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printStatus("Conversation", "%s", result.ConversationID)
		switch result.Outcome {
		case "sent":
			printSuccess("Replied: %s", result.Draft)
		case "pending_approval":
			printWarning("Reply queued for approval (%s)", result.ApprovalID)
		default:
			printStatus("Outcome", "%s", result.Outcome)
		}
		return nil
	},
}

// --- meet ---

var meetCmd = &cobra.Command{
	Use:   "meet <user-id> <other-user-id>",
	Short: "Propose a meeting inside a time window",
	Long: `Propose a meeting inside a time window.

Examples:
  kindred meet me sarah-chen --from 2026-03-02T09:00:00Z --to 2026-03-02T17:00:00Z
  kindred meet me sarah-chen --from 2026-03-02T09:00:00Z --to 2026-03-02T17:00:00Z --minutes 45`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		minutes, _ := cmd.Flags().GetInt("minutes")
		if from == "" || to == "" {
			return fmt.Errorf("--from and --to are required (RFC3339 timestamps)")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"user_id":          args[0],
			"other_user_id":    args[1],
			"window_start":     from,
			"window_end":       to,
			"duration_minutes": minutes,
		}
		resp, err := client.post(cmd.Context(), "/meetings/propose", req)
		if err != nil {
			return err
		}

		var result struct {
			Outcome    string `json:"outcome"`
			ApprovalID string `json:"approval_id"`
			MessageID  string `json:"message_id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		switch result.Outcome {
		case "scheduled":
			printSuccess("Meeting scheduled (%s)", result.MessageID)
		case "pending_approval":
			printWarning("Meeting queued for approval (%s)", result.ApprovalID)
		case "no_slot":
			printError("No free slot in that window")
		default:
			printStatus("Outcome", "%s", result.Outcome)
		}
		return nil
	},
}

// --- approvals ---

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Review and resolve queued actions",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approvals",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/approvals?status=%s", status)
		if userID != "" {
			path += "&user_id=" + userID
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var approvals []struct {
			ID          string  `json:"ID"`
			UserID      string  `json:"UserID"`
			OtherUserID string  `json:"OtherUserID"`
			ActionType  string  `json:"ActionType"`
			Draft       string  `json:"Draft"`
			MatchScore  float64 `json:"MatchScore"`
		}
		if err := decodeJSON(resp, &approvals); err != nil {
			return err
		}

		if len(approvals) == 0 {
			printStatus("Approvals", "none")
			return nil
		}
		for _, a := range approvals {
			fmt.Printf("%s  %s -> %s  %s (%.2f)\n", a.ID, a.UserID, a.OtherUserID, a.ActionType, a.MatchScore)
			if a.Draft != "" {
				fmt.Printf("    %s\n", a.Draft)
			}
		}
		return nil
	},
}

func resolveApprovalCmd(use, short, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <approval-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			resp, err := client.post(cmd.Context(), "/approvals/"+args[0]+"/"+verb, nil)
			if err != nil {
				return err
			}

			var result struct {
				Outcome string `json:"outcome"`
				Channel string `json:"channel"`
			}
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}

			switch result.Outcome {
			case "sent":
				printSuccess("Approved and sent via %s", result.Channel)
			case "scheduled":
				printSuccess("Approved and scheduled")
			case "declined":
				printSuccess("Declined")
			default:
				printStatus("Outcome", "%s", result.Outcome)
			}
			return nil
		},
	}
}

// --- contacts ---

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage the contact directory",
}

var contactsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a contact from text, a PDF, or a URL",
	Long: `Import a contact from text, a PDF, or a URL.

The source is queued and parsed in the background by the LLM extractor.

Examples:
  kindred contacts import --text "Sarah Chen, VP Engineering at Acme, loves rock climbing"
  kindred contacts import --pdf ./sarah-resume.pdf
  kindred contacts import --url https://example.com/about/sarah`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		pdfPath, _ := cmd.Flags().GetString("pdf")
		url, _ := cmd.Flags().GetString("url")

		var source, value string
		switch {
		case text != "":
			source, value = "text", text
		case pdfPath != "":
			// The server runs on the same machine; pass an absolute path.
			abs, err := filepath.Abs(pdfPath)
			if err != nil {
				return fmt.Errorf("resolving PDF path: %w", err)
			}
			if _, err := os.Stat(abs); err != nil {
				return fmt.Errorf("reading PDF: %w", err)
			}
			source, value = "pdf", abs
		case url != "":
			source, value = "url", url
		default:
			return fmt.Errorf("one of --text, --pdf, or --url is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Queueing import...")
		resp, err := client.post(cmd.Context(), "/contacts/import", map[string]string{
			"source": source,
			"value":  value,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued import %s", result["id"])
		return nil
	},
}

var contactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored contacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/profiles")
		if err != nil {
			return err
		}

		var profiles []struct {
			UserID    string `json:"user_id"`
			Name      string `json:"name"`
			Industry  string `json:"industry"`
			Role      string `json:"role"`
			Seniority string `json:"seniority"`
		}
		if err := decodeJSON(resp, &profiles); err != nil {
			return err
		}

		if len(profiles) == 0 {
			printStatus("Contacts", "none")
			return nil
		}
		for _, p := range profiles {
			fmt.Printf("%s  %s (%s %s, %s)\n", p.UserID, p.Name, p.Seniority, p.Role, p.Industry)
		}
		return nil
	},
}

var contactsShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show one contact as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/profiles/"+args[0])
		if err != nil {
			return err
		}

		var profile any
		if err := decodeJSON(resp, &profile); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(profile)
	},
}

var contactsSetCmd = &cobra.Command{
	Use:   "set <user-id> <profile-json>",
	Short: "Create or replace a contact from a JSON document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var body map[string]any
		if err := json.Unmarshal([]byte(args[1]), &body); err != nil {
			return fmt.Errorf("parsing profile JSON: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/profiles/"+args[0], body)
		if err != nil {
			return err
		}

		var saved any
		if err := decodeJSON(resp, &saved); err != nil {
			return err
		}
		printSuccess("Saved contact %s", args[0])
		return nil
	},
}

var contactsDeleteCmd = &cobra.Command{
	Use:   "delete <user-id>",
	Short: "Delete a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/profiles/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted contact %s", args[0])
		return nil
	},
}

// --- prefs ---

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show or update autonomy preferences",
}

var prefsShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show a user's preferences as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/preferences/"+args[0])
		if err != nil {
			return err
		}

		var p any
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <user-id> <key> <value>",
	Short: "Set the threshold or one action's permission",
	Long: `Set the threshold or one action's permission.

Examples:
  kindred prefs set me threshold 0.85
  kindred prefs set me send_message auto_high_match
  kindred prefs set me schedule_meeting always_ask`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, key, value := args[0], args[1], args[2]

		body := map[string]any{}
		if key == "threshold" {
			var threshold float64
			if _, err := fmt.Sscanf(value, "%f", &threshold); err != nil {
				return fmt.Errorf("invalid threshold %q: %w", value, err)
			}
			body["threshold"] = threshold
		} else {
			body["permissions"] = map[string]string{key: value}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.patch(cmd.Context(), "/preferences/"+userID, body)
		if err != nil {
			return err
		}

		var result any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

// --- interactions ---

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "Inspect the interaction log",
}

var interactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List logged interactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/interactions?limit=%d", limit)
		if userID != "" {
			path += "&user_id=" + userID
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var interactions []struct {
			ID          string `json:"ID"`
			UserID      string `json:"UserID"`
			OtherUserID string `json:"OtherUserID"`
			ActionType  string `json:"ActionType"`
			Outcome     string `json:"Outcome"`
		}
		if err := decodeJSON(resp, &interactions); err != nil {
			return err
		}

		if len(interactions) == 0 {
			printStatus("Interactions", "none")
			return nil
		}
		for _, ix := range interactions {
			fmt.Printf("%s  %s -> %s  %s  %s\n", ix.ID, ix.UserID, ix.OtherUserID, ix.ActionType, ix.Outcome)
		}
		return nil
	},
}

var interactionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one interaction as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/interactions/"+args[0])
		if err != nil {
			return err
		}

		var ix any
		if err := decodeJSON(resp, &ix); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ix)
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value.

Valid keys:
  ` + strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	detectCmd.Flags().String("context", "", "where the person was encountered")
	messageCmd.Flags().String("conversation", "", "conversation ID (generated when empty)")
	meetCmd.Flags().String("from", "", "window start (RFC3339)")
	meetCmd.Flags().String("to", "", "window end (RFC3339)")
	meetCmd.Flags().Int("minutes", 30, "meeting length in minutes")

	approvalsListCmd.Flags().String("user", "", "filter by user ID")
	approvalsListCmd.Flags().String("status", "pending", "approval status to list")
	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(resolveApprovalCmd("approve", "Approve a queued action", "approve"))
	approvalsCmd.AddCommand(resolveApprovalCmd("decline", "Decline a queued action", "decline"))

	contactsImportCmd.Flags().String("text", "", "free text describing the contact")
	contactsImportCmd.Flags().String("pdf", "", "path to a PDF (resume, bio)")
	contactsImportCmd.Flags().String("url", "", "URL of a profile page")
	contactsCmd.AddCommand(contactsImportCmd)
	contactsCmd.AddCommand(contactsListCmd)
	contactsCmd.AddCommand(contactsShowCmd)
	contactsCmd.AddCommand(contactsSetCmd)
	contactsCmd.AddCommand(contactsDeleteCmd)

	prefsCmd.AddCommand(prefsShowCmd)
	prefsCmd.AddCommand(prefsSetCmd)

	interactionsListCmd.Flags().String("user", "", "filter by user ID")
	interactionsListCmd.Flags().Int("limit", 20, "maximum entries to list")
	interactionsCmd.AddCommand(interactionsListCmd)
	interactionsCmd.AddCommand(interactionsShowCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
