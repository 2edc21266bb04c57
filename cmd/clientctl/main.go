// Command clientctl manages client accounts in the trade copier's
// credential store: add one, bulk-load from CSV, list, delete, or test
// connectivity against the brokerage API.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/RohanRawatRR/trade-copier/internal/brokerage"
	"github.com/RohanRawatRR/trade-copier/internal/config"
	"github.com/RohanRawatRR/trade-copier/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load settings: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(settings.DatabaseURL, settings.EncryptionKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open credential store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()

	var cmdErr error
	switch os.Args[1] {
	case "add":
		cmdErr = runAdd(ctx, st, os.Args[2:])
	case "bulk-load":
		cmdErr = runBulkLoad(ctx, st, os.Args[2:])
	case "list":
		cmdErr = runList(ctx, st, os.Args[2:])
	case "delete":
		cmdErr = runDelete(ctx, st, os.Args[2:])
	case "test-connection":
		cmdErr = runTestConnection(ctx, st, settings)
	default:
		usage()
		os.Exit(1)
	}

	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "\nerror: %v\n", cmdErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: clientctl <command> [flags]

Commands:
  add              add a single client account
  bulk-load FILE   import client accounts from a CSV file
  list             list client accounts
  delete ID[,ID…]  delete one or more client accounts
  test-connection  verify connectivity to master and client accounts`)
}

func runAdd(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	accountID := fs.String("account-id", "", "brokerage account ID (required)")
	apiKey := fs.String("api-key", "", "brokerage API key (required)")
	secretKey := fs.String("secret-key", "", "brokerage secret key (required)")
	email := fs.String("email", "", "email address for notifications")
	name := fs.String("name", "", "friendly name for the account")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *accountID == "" || *apiKey == "" || *secretKey == "" {
		return fmt.Errorf("--account-id, --api-key, and --secret-key are required")
	}

	account, err := st.AddOrUpdateClient(ctx, store.AddOrUpdateClientParams{
		AccountID:   *accountID,
		APIKey:      *apiKey,
		SecretKey:   *secretKey,
		Email:       nonEmptyPtr(*email),
		AccountName: nonEmptyPtr(*name),
	})
	if err != nil {
		return fmt.Errorf("add client account: %w", err)
	}

	fmt.Println("\nclient account added successfully")
	fmt.Printf("  account id:      %s\n", account.AccountID)
	fmt.Printf("  name:            %s\n", orNA(account.AccountName))
	fmt.Printf("  email:           %s\n", orNA(account.Email))
	fmt.Printf("  scaling method:  equity_based (proportional to account balance)\n")
	fmt.Printf("  status:          %s\n", activeLabel(account.IsActive))
	fmt.Printf("  circuit breaker: %s\n", account.BreakerState)
	return nil
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orNA(s *string) string {
	if s == nil || *s == "" {
		return "N/A"
	}
	return *s
}

func activeLabel(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}

// requiredCSVHeaders are the columns every bulk-load file must carry;
// optionalCSVHeaders may additionally appear and are ignored otherwise.
var requiredCSVHeaders = []string{"account_id", "api_key", "secret_key"}
var optionalCSVHeaders = []string{"account_name", "email", "is_active"}

func runBulkLoad(ctx context.Context, st *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: clientctl bulk-load FILE.csv")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open csv file: %w", err)
	}
	defer f.Close()

	fmt.Printf("\nreading CSV file: %s\n", args[0])
	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	headerRow, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read csv headers: %w", err)
	}
	columns, err := validateCSVHeaders(headerRow)
	if err != nil {
		return err
	}
	fmt.Println("CSV headers validated")

	var successCount, skippedCount, failureCount int
	rowNum := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		rowNum++
		if err != nil {
			failureCount++
			fmt.Printf("  row %d: failed to parse: %v\n", rowNum, err)
			continue
		}
		if isBlankRow(row) {
			continue
		}

		client, err := parseCSVRow(columns, row)
		if err != nil {
			failureCount++
			fmt.Printf("  row %d: %v\n", rowNum, err)
			continue
		}

		if existing, _ := st.GetClient(ctx, client.AccountID); existing != nil {
			skippedCount++
			fmt.Printf("  row %d: client already exists (skipped): %s\n", rowNum, client.AccountID)
			continue
		}

		if _, err := st.AddOrUpdateClient(ctx, *client); err != nil {
			failureCount++
			fmt.Printf("  row %d: failed to add %s: %v\n", rowNum, client.AccountID, err)
			continue
		}
		successCount++
		fmt.Printf("  row %d: added %s\n", rowNum, client.AccountID)
	}

	fmt.Println("\nimport summary")
	fmt.Printf("  added:   %d\n", successCount)
	fmt.Printf("  skipped: %d\n", skippedCount)
	fmt.Printf("  failed:  %d\n", failureCount)

	if failureCount > 0 {
		return fmt.Errorf("%d client(s) failed to import", failureCount)
	}
	return nil
}

func validateCSVHeaders(headers []string) (map[string]int, error) {
	columns := make(map[string]int, len(headers))
	for i, h := range headers {
		columns[strings.ToLower(strings.TrimSpace(h))] = i
	}
	var missing []string
	for _, required := range requiredCSVHeaders {
		if _, ok := columns[required]; !ok {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("csv missing required headers: %s", strings.Join(missing, ", "))
	}
	return columns, nil
}

func isBlankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func parseCSVRow(columns map[string]int, row []string) (*store.AddOrUpdateClientParams, error) {
	field := func(name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	accountID, apiKey, secretKey := field("account_id"), field("api_key"), field("secret_key")
	if accountID == "" || apiKey == "" || secretKey == "" {
		return nil, fmt.Errorf("missing required field (account_id, api_key, or secret_key)")
	}

	isActive := true
	if raw := strings.ToLower(field("is_active")); raw != "" {
		switch raw {
		case "true", "1", "yes", "y":
			isActive = true
		case "false", "0", "no", "n":
			isActive = false
		default:
			return nil, fmt.Errorf("invalid is_active value %q: must be true/false, yes/no, 1/0", raw)
		}
	}

	return &store.AddOrUpdateClientParams{
		AccountID:   accountID,
		APIKey:      apiKey,
		SecretKey:   secretKey,
		AccountName: nonEmptyPtr(field("account_name")),
		Email:       nonEmptyPtr(field("email")),
		IsActive:    &isActive,
	}, nil
}

func runList(ctx context.Context, st *store.Store, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	activeOnly := fs.Bool("active-only", false, "show only active accounts")
	if err := fs.Parse(args); err != nil {
		return err
	}

	accounts, err := st.ListClients(ctx, *activeOnly)
	if err != nil {
		return fmt.Errorf("list clients: %w", err)
	}
	if len(accounts) == 0 {
		fmt.Println("\nno client accounts found")
		return nil
	}

	fmt.Printf("\nclient accounts (%d total)\n", len(accounts))
	fmt.Println("scaling method: equity_based (proportional to account balance)")

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT ID\tNAME\tEMAIL\tSTATUS\tBREAKER\tFAILURES\tLAST TRADE")
	activeCount, breakerOpenCount := 0, 0
	for _, a := range accounts {
		if a.IsActive {
			activeCount++
		}
		if a.BreakerState == store.BreakerOpen {
			breakerOpenCount++
		}
		lastTrade := "never"
		if a.LastSuccessfulTrade != nil {
			lastTrade = a.LastSuccessfulTrade.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			a.AccountID, orNA(a.AccountName), orNA(a.Email), activeLabel(a.IsActive),
			strings.ToUpper(string(a.BreakerState)), a.FailureCount, lastTrade)
	}
	w.Flush()

	fmt.Printf("\nactive: %d/%d\n", activeCount, len(accounts))
	fmt.Printf("circuit breakers open: %d\n", breakerOpenCount)
	return nil
}

func runDelete(ctx context.Context, st *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: clientctl delete ID1[,ID2,...]")
	}
	ids := strings.Split(args[0], ",")

	fmt.Printf("\ndeleting %d client(s)...\n\n", len(ids))
	var successCount, failureCount int
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if err := st.HardDelete(ctx, id); err != nil {
			fmt.Printf("  failed to delete %s: %v\n", id, err)
			failureCount++
			continue
		}
		fmt.Printf("  deleted: %s\n", id)
		successCount++
	}

	fmt.Println("\ndeletion summary")
	fmt.Printf("  deleted:        %d\n", successCount)
	fmt.Printf("  failed/missing: %d\n", failureCount)

	if failureCount > 0 {
		return fmt.Errorf("%d deletion(s) failed", failureCount)
	}
	return nil
}

func runTestConnection(ctx context.Context, st *store.Store, settings *config.Settings) error {
	factory := brokerage.NewHTTPFactory(brokerage.HTTPConfig{
		BaseURL: settings.AlpacaBaseURL,
		DataURL: settings.AlpacaDataURL,
	})

	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("TRADE COPIER CONNECTION TEST")
	fmt.Println(strings.Repeat("=", 60))

	fmt.Println("\ntesting master account connection...")
	master, err := st.GetMaster(ctx)
	masterOK := false
	if err != nil {
		fmt.Printf("  failed to load master account: %v\n", err)
	} else {
		fmt.Printf("  account id:  %s\n", master.AccountID)
		fmt.Printf("  environment: %s\n", environmentLabel(settings))
		masterOK = testOneConnection(ctx, factory, brokerage.Credentials{APIKey: master.APIKey, SecretKey: master.SecretKey})
	}

	fmt.Println("\ntesting client account connections...")
	clients, err := st.ListActiveEligibleClients(ctx)
	clientsOK := true
	if err != nil {
		fmt.Printf("  failed to list clients: %v\n", err)
		clientsOK = false
	} else if len(clients) == 0 {
		fmt.Println("  no active client accounts found")
	} else {
		fmt.Printf("  found %d active client(s)\n", len(clients))
		success, failure := 0, 0
		for i, c := range clients {
			fmt.Printf("  [%d/%d] testing %s... ", i+1, len(clients), c.Account.AccountID)
			if testOneConnection(ctx, factory, c.Credentials) {
				success++
			} else {
				failure++
			}
		}
		fmt.Printf("\n  summary: %d success, %d failed\n", success, failure)
		clientsOK = failure == 0
	}

	fmt.Println("\n" + strings.Repeat("=", 60))
	if masterOK && clientsOK {
		fmt.Println("ALL TESTS PASSED - system ready to run")
		return nil
	}
	fmt.Println("SOME TESTS FAILED - fix errors before running")
	return fmt.Errorf("connectivity test failed")
}

func environmentLabel(settings *config.Settings) string {
	if settings.IsProduction() {
		return "PRODUCTION"
	}
	return "PAPER TRADING"
}

func testOneConnection(ctx context.Context, factory brokerage.Factory, creds brokerage.Credentials) bool {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client := factory.NewClient(creds)
	account, err := client.GetAccount(timeoutCtx)
	if err != nil {
		fmt.Printf("connection failed: %v\n", err)
		return false
	}
	fmt.Printf("OK (equity: $%s)\n", strconv.FormatFloat(account.Equity, 'f', 2, 64))
	return true
}
