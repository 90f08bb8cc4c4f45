package main

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "KeyWarden CLI",
	Long:  "A CLI for managing shared secrets in KeyWarden.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(enrollCmd())
	rootCmd.AddCommand(principalCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(secretCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(auditCmd())
}

func promptLine(label string) string {
	fmt.Print(label)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return strings.TrimSpace(scanner.Text())
}

// --- login / enroll ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <name>",
		Short: "Remember the server address and principal name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr, _ := cmd.Flags().GetString("address"); addr != "" {
				cfg.Address = addr
			}
			cfg.Name = args[0]
			if err := saveConfig(); err != nil {
				printError(err.Error())
				return nil
			}
			fmt.Printf("Configured as %q against %s. Set WARDEN_PASSPHRASE for authentication.\n", cfg.Name, cfg.Address)
			return nil
		},
	}
	cmd.Flags().String("address", "", "Server address")
	return cmd
}

func enrollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enroll <name>",
		Short: "Enroll a new principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			display, _ := cmd.Flags().GetString("display-name")
			passphrase := os.Getenv("WARDEN_PASSPHRASE")
			if passphrase == "" {
				passphrase = promptLine("Passphrase: ")
			}
			result, err := newClient().post("/v1/principals", map[string]any{
				"name":         args[0],
				"display_name": display,
				"passphrase":   passphrase,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().String("display-name", "", "Human-readable name")
	return cmd
}

// --- principal ---

func principalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "principal", Short: "Manage principals"}

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/principals/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <id> <active|disabled|archived>",
		Short: "Change a principal's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient().put("/v1/principals/"+args[0]+"/status", map[string]any{"status": args[1]})
			if err != nil {
				printError(err.Error())
				return nil
			}
			fmt.Println("Status updated.")
			return nil
		},
	}

	passphraseCmd := &cobra.Command{
		Use:   "passphrase",
		Short: "Change your passphrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			oldPass := os.Getenv("WARDEN_PASSPHRASE")
			if oldPass == "" {
				oldPass = promptLine("Current passphrase: ")
			}
			newPass := promptLine("New passphrase: ")
			_, err := newClient().put("/v1/principals/self/passphrase", map[string]any{
				"old_passphrase": oldPass,
				"new_passphrase": newPass,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			fmt.Println("Passphrase changed.")
			return nil
		},
	}

	rolesCmd := &cobra.Command{
		Use:   "roles <id>",
		Short: "Replace a principal's roles (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roles, _ := cmd.Flags().GetStringSlice("role")
			_, err := newClient().put("/v1/principals/"+args[0]+"/roles", map[string]any{"roles": roles})
			if err != nil {
				printError(err.Error())
				return nil
			}
			fmt.Println("Roles updated.")
			return nil
		},
	}
	rolesCmd.Flags().StringSlice("role", nil, "Role to assign (repeatable)")

	cmd.AddCommand(getCmd, statusCmd, rolesCmd, passphraseCmd)
	return cmd
}

// --- group ---

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "group", Short: "Manage groups and memberships"}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a group (you become its first member)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			display, _ := cmd.Flags().GetString("display-name")
			result, err := newClient().post("/v1/groups", map[string]any{
				"name":         args[0],
				"display_name": display,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("display-name", "", "Human-readable name")

	addCmd := &cobra.Command{
		Use:   "add <group-id> <user-id>",
		Short: "Add a member (you must be a member yourself)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/v1/groups/"+args[0]+"/members", map[string]any{"user_id": args[1]})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <group-id> <user-id>",
		Short: "Remove a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete("/v1/groups/" + args[0] + "/members/" + args[1]); err != nil {
				printError(err.Error())
				return nil
			}
			fmt.Println("Member removed.")
			return nil
		},
	}

	membersCmd := &cobra.Command{
		Use:   "members <group-id>",
		Short: "List a group's members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/groups/" + args[0] + "/members")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(createCmd, addCmd, removeCmd, membersCmd)
	return cmd
}

// --- secret ---

func readPayload(cmd *cobra.Command) ([]byte, error) {
	if file, _ := cmd.Flags().GetString("payload-file"); file != "" {
		if file == "-" {
			return io.ReadAll(os.Stdin)
		}
		return os.ReadFile(file)
	}
	if payload, _ := cmd.Flags().GetString("payload"); payload != "" {
		return []byte(payload), nil
	}
	return nil, fmt.Errorf("either --payload or --payload-file is required")
}

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "secret", Short: "Manage secrets"}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd)
			if err != nil {
				printError(err.Error())
				return nil
			}
			location, _ := cmd.Flags().GetString("location")
			restricted, _ := cmd.Flags().GetBool("restricted")
			result, err := newClient().post("/v1/secrets", map[string]any{
				"name":       args[0],
				"location":   location,
				"payload":    payload,
				"restricted": restricted,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("payload", "", "Secret payload")
	createCmd.Flags().String("payload-file", "", "Read payload from file (- for stdin)")
	createCmd.Flags().String("location", "", "Where the secret is used")
	createCmd.Flags().Bool("restricted", false, "Require quorum approval for read access")

	readCmd := &cobra.Command{
		Use:   "read <id>",
		Short: "Read a secret's payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/secrets/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			data, _ := result["data"].(map[string]any)
			encoded, _ := data["payload"].(string)
			payload, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				printError("malformed payload in response")
				return nil
			}
			os.Stdout.Write(payload)
			fmt.Println()
			return nil
		},
	}

	writeCmd := &cobra.Command{
		Use:   "write <id>",
		Short: "Replace a secret's payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd)
			if err != nil {
				printError(err.Error())
				return nil
			}
			if _, err := newClient().put("/v1/secrets/"+args[0], map[string]any{"payload": payload}); err != nil {
				printError(err.Error())
				return nil
			}
			fmt.Println("Secret updated.")
			return nil
		},
	}
	writeCmd.Flags().String("payload", "", "Secret payload")
	writeCmd.Flags().String("payload-file", "", "Read payload from file (- for stdin)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List secrets you can access",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/secrets")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	rotateCmd := &cobra.Command{
		Use:   "rotate <id>",
		Short: "Re-key a secret and re-wrap all grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/v1/secrets/"+args[0]+"/rotate", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	capabilityCmd := &cobra.Command{
		Use:   "capability <id>",
		Short: "Show your capability on a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/secrets/" + args[0] + "/capability")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	grantCmd := &cobra.Command{
		Use:   "grant <secret-id> <principal-id>",
		Short: "Share a secret with a principal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			read, _ := cmd.Flags().GetBool("read")
			write, _ := cmd.Flags().GetBool("write")
			result, err := newClient().post("/v1/secrets/"+args[0]+"/grants", map[string]any{
				"principal_id": args[1],
				"read":         read,
				"write":        write,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	grantCmd.Flags().Bool("read", true, "Grant read capability")
	grantCmd.Flags().Bool("write", false, "Grant write capability")

	revokeCmd := &cobra.Command{
		Use:   "revoke <secret-id> <principal-id>",
		Short: "Remove a principal's grant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete("/v1/secrets/" + args[0] + "/grants/" + args[1]); err != nil {
				printError(err.Error())
				return nil
			}
			fmt.Println("Grant revoked. Rotate the secret to retire its keypair.")
			return nil
		},
	}

	disableCmd := &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable a secret without deleting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().patch("/v1/secrets/"+args[0], map[string]any{"enabled": false})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	enableCmd := &cobra.Command{
		Use:   "enable <id>",
		Short: "Re-enable a disabled secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().patch("/v1/secrets/"+args[0], map[string]any{"enabled": true})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(createCmd, readCmd, writeCmd, listCmd, rotateCmd, capabilityCmd, grantCmd, revokeCmd, disableCmd, enableCmd)
	return cmd
}

// --- request ---

func requestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "request", Short: "Restricted-access requests"}

	createCmd := &cobra.Command{
		Use:   "create <secret-id>",
		Short: "Request time-boxed access to a restricted secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			result, err := newClient().post("/v1/secrets/"+args[0]+"/requests", map[string]any{"reason": reason})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("reason", "", "Why access is needed")

	statusCmd := &cobra.Command{
		Use:   "status <secret-id>",
		Short: "Show your current request for a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/secrets/" + args[0] + "/requests/current")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	approveCmd := &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/v1/requests/"+args[0]+"/approve", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	blockCmd := &cobra.Command{
		Use:   "block <request-id>",
		Short: "Veto a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/v1/requests/"+args[0]+"/block", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(createCmd, statusCmd, approveCmd, blockCmd)
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}

	query := func(cmd *cobra.Command) string {
		params := []string{}
		if actor, _ := cmd.Flags().GetString("actor"); actor != "" {
			params = append(params, "actor="+actor)
		}
		if secret, _ := cmd.Flags().GetString("secret"); secret != "" {
			params = append(params, "secret="+secret)
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			params = append(params, fmt.Sprintf("limit=%d", limit))
		}
		if len(params) == 0 {
			return ""
		}
		return "?" + strings.Join(params, "&")
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/sys/audit-log" + query(cmd))
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify audit log stamps",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/v1/sys/audit-log/verify"+query(cmd), nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	for _, c := range []*cobra.Command{listCmd, verifyCmd} {
		c.Flags().String("actor", "", "Filter by actor principal ID")
		c.Flags().String("secret", "", "Filter by secret ID")
		c.Flags().Int("limit", 0, "Maximum entries")
	}

	cmd.AddCommand(listCmd, verifyCmd)
	return cmd
}
