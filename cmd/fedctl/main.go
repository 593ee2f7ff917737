package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dive25/federation/internal/identity"
	"github.com/dive25/federation/pkg/fedclient"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	hubURL      string
	cfgFile     string
	bearerToken string
	insecure    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fedctl",
	Short: "DIVE25 federation CLI",
	Long: `fedctl is the operator command-line interface for DIVE25 federation.

It submits and steers enrollments against a coalition hub, administers the
KAS registry, and reads remote instances' discovery documents for
out-of-band fingerprint verification.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.fedctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if hubURL == "" {
			hubURL = viper.GetString("hub_url")
		}
		if hubURL == "" {
			hubURL = "http://localhost:8080"
		}
		if bearerToken == "" {
			bearerToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.fedctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&hubURL, "hub", "", "Hub API base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&bearerToken, "token", "", "Bearer token for authenticated endpoints")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification (development only)")

	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(enrollmentsCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(kasCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*fedclient.Client, error) {
	opts := []fedclient.Option{}
	if bearerToken != "" {
		opts = append(opts, fedclient.WithBearerToken(bearerToken))
	}
	if insecure {
		opts = append(opts, fedclient.WithInsecureSkipVerify())
	}
	return fedclient.New(hubURL, opts...)
}

// ── enroll ───────────────────────────────────────────────────────────────────

var (
	enrollCode         string
	enrollName         string
	enrollCertDir      string
	enrollAPIURL       string
	enrollIdPURL       string
	enrollOIDC         string
	enrollEmail        string
	enrollCapabilities []string
	enrollTrustLevel   string
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Submit a signed enrollment request to the hub",
	Long: `enroll signs an enrollment payload with this instance's private key and
submits it to the hub. The instance identity is loaded from --cert-dir,
generated on first use.

After submission, share the printed certificate fingerprint with the hub
operator over an out-of-band channel (phone, secure mail); the hub will not
approve the enrollment until the fingerprint is confirmed.`,
	RunE: runEnroll,
}

func init() {
	enrollCmd.Flags().StringVar(&enrollCode, "code", "", "Instance country code, ISO 3166-1 alpha-3 (e.g. GBR)")
	enrollCmd.Flags().StringVar(&enrollName, "name", "", "Human-readable instance name")
	enrollCmd.Flags().StringVar(&enrollCertDir, "cert-dir", "certs", "Directory holding this instance's cert and key")
	enrollCmd.Flags().StringVar(&enrollAPIURL, "api-url", "", "This instance's federation API base URL")
	enrollCmd.Flags().StringVar(&enrollIdPURL, "idp-url", "", "This instance's identity provider URL")
	enrollCmd.Flags().StringVar(&enrollOIDC, "oidc-discovery", "", "OIDC discovery URL (default {idp-url}/.well-known/openid-configuration)")
	enrollCmd.Flags().StringVar(&enrollEmail, "email", "", "Federation contact email")
	enrollCmd.Flags().StringSliceVar(&enrollCapabilities, "capability", nil, "Requested capability (repeatable)")
	enrollCmd.Flags().StringVar(&enrollTrustLevel, "trust-level", "standard", "Requested trust level")

	_ = enrollCmd.MarkFlagRequired("code")
	_ = enrollCmd.MarkFlagRequired("api-url")
	_ = enrollCmd.MarkFlagRequired("idp-url")
	_ = enrollCmd.MarkFlagRequired("email")
}

func runEnroll(cmd *cobra.Command, args []string) error {
	inst, err := identity.LoadOrCreateInstance(strings.ToUpper(enrollCode), enrollCertDir)
	if err != nil {
		return fmt.Errorf("load instance identity: %w", err)
	}

	oidc := enrollOIDC
	if oidc == "" {
		oidc = strings.TrimRight(enrollIdPURL, "/") + "/.well-known/openid-configuration"
	}
	name := enrollName
	if name == "" {
		name = inst.Code() + " Federation Instance"
	}

	payload := identity.EnrollmentPayload{
		InstanceCode:          inst.Code(),
		InstanceName:          name,
		OIDCDiscoveryURL:      oidc,
		APIURL:                enrollAPIURL,
		IdPURL:                enrollIdPURL,
		RequestedCapabilities: enrollCapabilities,
		RequestedTrustLevel:   enrollTrustLevel,
		ContactEmail:          enrollEmail,
		SignatureTimestamp:    time.Now().UTC().Format(time.RFC3339),
		SignatureNonce:        uuid.NewString(),
	}
	signature, err := inst.SignEnrollmentPayload(payload)
	if err != nil {
		return fmt.Errorf("sign enrollment payload: %w", err)
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	result, err := c.SubmitEnrollment(context.Background(), fedclient.EnrollRequest{
		Payload: fedclient.EnrollmentPayload{
			InstanceCode:          payload.InstanceCode,
			InstanceName:          payload.InstanceName,
			OIDCDiscoveryURL:      payload.OIDCDiscoveryURL,
			APIURL:                payload.APIURL,
			IdPURL:                payload.IdPURL,
			RequestedCapabilities: payload.RequestedCapabilities,
			RequestedTrustLevel:   payload.RequestedTrustLevel,
			ContactEmail:          payload.ContactEmail,
			SignatureTimestamp:    payload.SignatureTimestamp,
			SignatureNonce:        payload.SignatureNonce,
		},
		CertificatePEM: inst.CertPEM(),
		Signature:      signature,
	})
	if err != nil {
		return fmt.Errorf("submit enrollment: %w", err)
	}

	fmt.Printf("✓ Enrollment submitted\n\n")
	fmt.Printf("  ID:          %s\n", result.EnrollmentID)
	fmt.Printf("  Status:      %s\n", result.Status)
	fmt.Printf("  Fingerprint: %s\n", result.Fingerprint)
	fmt.Printf("  Expires:     %s\n\n", result.ExpiresAt.Format(time.RFC3339))
	fmt.Println("Share the fingerprint with the hub operator over an out-of-band channel.")
	fmt.Printf("Poll progress with:\n  fedctl enrollments status %s\n", result.EnrollmentID)
	return nil
}

// ── enrollments ──────────────────────────────────────────────────────────────

var enrollmentsCmd = &cobra.Command{
	Use:   "enrollments",
	Short: "Inspect and steer enrollment lifecycles on the hub",
}

var (
	listStatus  string
	actionActor string
	actionWhy   string
	revokeForce bool
)

var enrollmentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrollments, optionally filtered by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		list, err := c.ListEnrollments(context.Background(), listStatus, 100, 0)
		if err != nil {
			return fmt.Errorf("list enrollments: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No enrollments found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCODE\tSTATUS\tCONTACT\tEXPIRES")
		for _, e := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.EnrollmentID, e.RequesterCode, e.Status, e.ContactEmail,
				e.ExpiresAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var enrollmentsShowCmd = &cobra.Command{
	Use:   "show <enrollment-id>",
	Short: "Print the full enrollment record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		e, err := c.GetEnrollment(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get enrollment: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(e)
	},
}

var enrollmentsStatusCmd = &cobra.Command{
	Use:   "status <enrollment-id>",
	Short: "Show the requester-facing status summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		s, err := c.GetEnrollmentStatus(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get status: %w", err)
		}
		fmt.Printf("Enrollment: %s (%s)\n", s.EnrollmentID, s.InstanceCode)
		fmt.Printf("Status:     %s\n", s.Status)
		fmt.Printf("Message:    %s\n", s.Message)
		if s.CredentialsReady {
			fmt.Println("Credentials are ready for collection.")
		}
		fmt.Printf("Updated:    %s\n", s.UpdatedAt.Format(time.RFC3339))
		fmt.Printf("Expires:    %s\n", s.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

func enrollmentActionCmd(use, short string, fn func(c *fedclient.Client, ctx context.Context, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := fn(c, context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Println("✓ Done")
			return nil
		},
	}
}

var enrollmentsVerifyCmd = enrollmentActionCmd(
	"verify-fingerprint <enrollment-id>",
	"Record that the certificate fingerprint was confirmed out of band",
	func(c *fedclient.Client, ctx context.Context, id string) error {
		return c.VerifyFingerprint(ctx, id, actionActor)
	},
)

var enrollmentsApproveCmd = enrollmentActionCmd(
	"approve <enrollment-id>",
	"Approve a fingerprint-verified enrollment",
	func(c *fedclient.Client, ctx context.Context, id string) error {
		return c.ApproveEnrollment(ctx, id, actionActor, actionWhy)
	},
)

var enrollmentsRejectCmd = enrollmentActionCmd(
	"reject <enrollment-id>",
	"Reject a pre-active enrollment (terminal)",
	func(c *fedclient.Client, ctx context.Context, id string) error {
		return c.RejectEnrollment(ctx, id, actionActor, actionWhy)
	},
)

var enrollmentsRevokeCmd = &cobra.Command{
	Use:   "revoke <enrollment-id>",
	Short: "Revoke an active federation (terminal)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !revokeForce {
			fmt.Print("Revocation cannot be undone. Confirm? [y/N]: ")
			reader := bufio.NewReader(os.Stdin)
			answer, _ := reader.ReadString('\n')
			if strings.ToLower(strings.TrimSpace(answer)) != "y" {
				fmt.Println("Aborted.")
				return nil
			}
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.RevokeEnrollment(context.Background(), args[0], actionActor, actionWhy); err != nil {
			return fmt.Errorf("revoke: %w", err)
		}
		fmt.Println("✓ Federation revoked")
		return nil
	},
}

var enrollmentsActivateCmd = &cobra.Command{
	Use:   "activate <enrollment-id>",
	Short: "Run the hub-side trust cascade for a credentials-exchanged enrollment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		result, err := c.ActivateEnrollment(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("activate: %w", err)
		}

		fmt.Printf("✓ Federation activated: %s\n\n", result.PartnerCode)
		fmt.Printf("  IdP alias: %s\n", result.IdPAlias)
		if result.PolicySyncToken != "" {
			fmt.Printf("  Policy-sync token (deliver to the partner):\n  %s\n", result.PolicySyncToken)
		}
		if len(result.CascadeErrors) > 0 {
			fmt.Printf("\n⚠ %d cascade step(s) failed — trust data is degraded:\n", len(result.CascadeErrors))
			for _, e := range result.CascadeErrors {
				fmt.Printf("  - %s\n", e)
			}
			fmt.Println("\nRe-run activation to retry the failed steps; every step is idempotent.")
		}
		return nil
	},
}

var (
	credsRole     string
	credsClientID string
	credsSecret   string
	credsIssuer   string
)

var enrollmentsCredentialsCmd = &cobra.Command{
	Use:   "credentials <enrollment-id>",
	Short: "Attach one side's OIDC client credentials to an approved enrollment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		err = c.SetCredentials(context.Background(), args[0], credsRole, actionActor, fedclient.ClientCredentials{
			ClientID:     credsClientID,
			ClientSecret: credsSecret,
			IssuerURL:    credsIssuer,
		})
		if err != nil {
			return fmt.Errorf("set credentials: %w", err)
		}
		fmt.Printf("✓ %s credentials recorded\n", credsRole)
		return nil
	},
}

func init() {
	enrollmentsListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (e.g. pending_verification, active)")

	for _, cmd := range []*cobra.Command{
		enrollmentsVerifyCmd, enrollmentsApproveCmd, enrollmentsRejectCmd,
		enrollmentsRevokeCmd, enrollmentsCredentialsCmd,
	} {
		cmd.Flags().StringVar(&actionActor, "actor", "operator", "Acting operator identity recorded in the status history")
		cmd.Flags().StringVar(&actionWhy, "reason", "", "Reason recorded in the status history")
	}
	enrollmentsRevokeCmd.Flags().BoolVar(&revokeForce, "force", false, "Skip confirmation prompt")

	enrollmentsCredentialsCmd.Flags().StringVar(&credsRole, "role", "approver", "Which side the credentials belong to: approver or requester")
	enrollmentsCredentialsCmd.Flags().StringVar(&credsClientID, "client-id", "", "OIDC client ID")
	enrollmentsCredentialsCmd.Flags().StringVar(&credsSecret, "client-secret", "", "OIDC client secret")
	enrollmentsCredentialsCmd.Flags().StringVar(&credsIssuer, "issuer-url", "", "OIDC issuer URL (e.g. https://idp.gbr.example/realms/dive25)")
	_ = enrollmentsCredentialsCmd.MarkFlagRequired("client-id")
	_ = enrollmentsCredentialsCmd.MarkFlagRequired("client-secret")
	_ = enrollmentsCredentialsCmd.MarkFlagRequired("issuer-url")

	enrollmentsCmd.AddCommand(enrollmentsListCmd)
	enrollmentsCmd.AddCommand(enrollmentsShowCmd)
	enrollmentsCmd.AddCommand(enrollmentsStatusCmd)
	enrollmentsCmd.AddCommand(enrollmentsVerifyCmd)
	enrollmentsCmd.AddCommand(enrollmentsApproveCmd)
	enrollmentsCmd.AddCommand(enrollmentsRejectCmd)
	enrollmentsCmd.AddCommand(enrollmentsRevokeCmd)
	enrollmentsCmd.AddCommand(enrollmentsCredentialsCmd)
	enrollmentsCmd.AddCommand(enrollmentsActivateCmd)
}

// ── discover ─────────────────────────────────────────────────────────────────

var discoverCmd = &cobra.Command{
	Use:   "discover <instance-url>",
	Short: "Fetch a remote instance's discovery document",
	Long: `discover reads /.well-known/federation.json from a remote federation
instance and prints its identity and capabilities. Use the printed
fingerprint for out-of-band verification before approving an enrollment.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := []fedclient.Option{}
		if insecure {
			opts = append(opts, fedclient.WithInsecureSkipVerify())
		}
		c, err := fedclient.New(args[0], opts...)
		if err != nil {
			return err
		}
		doc, err := c.Discover(context.Background())
		if err != nil {
			return fmt.Errorf("discover %s: %w", args[0], err)
		}

		fmt.Printf("Instance:    %s (protocol %s)\n", doc.InstanceCode, doc.ProtocolVersion)
		fmt.Printf("SPIFFE ID:   %s\n", doc.Identity.SPIFFEID)
		fmt.Printf("Fingerprint: %s\n\n", doc.Identity.CertificateFingerprint)
		fmt.Println("Capabilities:")
		for _, cap := range doc.Capabilities {
			if cap.Endpoint != "" {
				fmt.Printf("  %-16s %s\n", cap.Name, cap.Endpoint)
			} else {
				fmt.Printf("  %s\n", cap.Name)
			}
		}
		return nil
	},
}

// ── kas ──────────────────────────────────────────────────────────────────────

var kasCmd = &cobra.Command{
	Use:   "kas",
	Short: "Administer the Key Access Server registry",
}

var kasListStatus string

var kasListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered KAS instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		list, err := c.ListKAS(context.Background(), kasListStatus)
		if err != nil {
			return fmt.Errorf("list kas: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No KAS instances registered.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KAS ID\tCOUNTRY\tURL\tSTATUS\tENABLED\tLAST HEARTBEAT")
		for _, k := range list {
			heartbeat := "-"
			if k.LastHeartbeatAt != nil {
				heartbeat = k.LastHeartbeatAt.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
				k.KASID, k.CountryCode, k.KASURL, k.Status, k.Enabled, heartbeat)
		}
		return w.Flush()
	},
}

var kasApproveCmd = &cobra.Command{
	Use:   "approve <kas-id>",
	Short: "Approve a pending KAS instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		inst, err := c.ApproveKAS(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("approve kas: %w", err)
		}
		fmt.Printf("✓ KAS approved: %s (%s)\n", inst.KASID, inst.KASURL)
		return nil
	},
}

var kasSuspendReason string

var kasSuspendCmd = &cobra.Command{
	Use:   "suspend <kas-id>",
	Short: "Suspend a KAS instance, removing it from routing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		inst, err := c.SuspendKAS(context.Background(), args[0], kasSuspendReason)
		if err != nil {
			return fmt.Errorf("suspend kas: %w", err)
		}
		fmt.Printf("✓ KAS suspended: %s\n", inst.KASID)
		fmt.Println("Resources addressed to this KAS will resolve to the default until reinstated.")
		return nil
	},
}

var kasResolveCmd = &cobra.Command{
	Use:   "resolve <kas-id>",
	Short: "Show the URL encryption routing would use for a KAS ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		url, err := c.ResolveKAS(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("resolve kas: %w", err)
		}
		fmt.Println(url)
		return nil
	},
}

var kasTrustCmd = &cobra.Command{
	Use:   "trust <country-code> <kas-id>",
	Short: "Add a KAS to a country's trusted list",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.TrustKAS(context.Background(), args[0], args[1]); err != nil {
			return fmt.Errorf("trust kas: %w", err)
		}
		fmt.Printf("✓ %s now trusts %s\n", strings.ToUpper(args[0]), args[1])
		return nil
	},
}

var kasAgreementCmd = &cobra.Command{
	Use:   "agreement <country-code>",
	Short: "Show a country's KAS federation agreement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		a, err := c.GetAgreement(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get agreement: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(a)
	},
}

func init() {
	kasListCmd.Flags().StringVar(&kasListStatus, "status", "", "Filter by status (pending, active, suspended)")
	kasSuspendCmd.Flags().StringVar(&kasSuspendReason, "reason", "", "Suspension reason")

	kasCmd.AddCommand(kasListCmd)
	kasCmd.AddCommand(kasApproveCmd)
	kasCmd.AddCommand(kasSuspendCmd)
	kasCmd.AddCommand(kasResolveCmd)
	kasCmd.AddCommand(kasTrustCmd)
	kasCmd.AddCommand(kasAgreementCmd)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the fedctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fedctl %s (DIVE25 federation)\n", version)
	},
}
