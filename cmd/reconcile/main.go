// One-shot reconciliation. Runs a ledger integrity pass and, optionally, the
// M-Pesa settlement pass, prints a report and exits non-zero unless both came
// back clean.
//
//	reconcile -type daily
//	reconcile -type manual -quick -settlement -json
//
// Exit codes: 0 clean, 1 findings or mismatches, 2 the run itself failed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"chama/internal/domain"
	"chama/internal/ledger"
	"chama/internal/notification"
	"chama/internal/reconciliation"
	"chama/internal/repository/postgres"
	"chama/internal/scope"
	"chama/internal/settlement"
	"chama/pkg/cache"
	"chama/pkg/config"
	"chama/pkg/logger"
	"chama/pkg/mailer"
)

const (
	exitClean    = 0
	exitFindings = 1
	exitFailed   = 2
)

type result struct {
	Reconciliation *reconciliation.Report `json:"reconciliation"`
	Settlement     *settlement.Summary    `json:"settlement,omitempty"`
	Errors         []string               `json:"errors,omitempty"`
}

func main() {
	runType := flag.String("type", string(domain.RunTypeManual), "Run type: daily, hourly or manual")
	quick := flag.Bool("quick", false, "Bound the integrity scan (manual runs only)")
	withSettlement := flag.Bool("settlement", false, "Also reconcile M-Pesa callbacks against the ledger")
	asJSON := flag.Bool("json", false, "Print the report as JSON")
	publish := flag.Bool("publish-alerts", false, "Publish alerts on the Redis channel and by email")
	timeout := flag.Duration("timeout", 30*time.Minute, "Give up after this long")
	flag.Parse()

	rt := domain.RunType(*runType)
	if !rt.Valid() {
		fmt.Fprintf(os.Stderr, "unknown run type %q\n", *runType)
		os.Exit(exitFailed)
	}

	cfg := config.Load()
	log := logger.New("reconcile", cfg.Log.Level)
	if err := cfg.ValidateCore(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailed)
	}

	ctx, cancel := context.WithTimeout(scope.WithSystem(context.Background()), *timeout)
	code := run(ctx, cfg, log, rt, *quick, *withSettlement, *publish, *asJSON, os.Stdout)
	cancel()
	logger.Sync(log)
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger, rt domain.RunType, quick, withSettlement, publish, asJSON bool, out io.Writer) int {
	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Error("Failed to connect to database", map[string]interface{}{"error": err.Error()})
		return exitFailed
	}
	defer db.Close()

	runRepo := postgres.NewReconciliationRepository(db)
	auditRepo := postgres.NewAuditRepository(db)

	var publishers notification.Publishers
	if publish {
		client, err := cache.NewClient(ctx, cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn("Redis unavailable, alerts will not be published there", map[string]interface{}{"error": err.Error()})
		} else {
			defer client.Close()
			publishers = append(publishers, notification.NewRedisPublisher(client))
		}
		smtpCfg := cfg.Alerts.SMTP
		m := mailer.New(mailer.Config{
			Host:     smtpCfg.Host,
			Port:     smtpCfg.Port,
			Username: smtpCfg.Username,
			Password: smtpCfg.Password,
			From:     smtpCfg.From,
			UseTLS:   smtpCfg.UseTLS,
		})
		if m.Configured() && len(cfg.Alerts.EmailTo) > 0 {
			publishers = append(publishers, notification.NewEmailPublisher(m, cfg.Alerts.EmailTo))
		}
	}
	alerter := notification.NewAlertService(log, auditRepo, publishers, cfg.Alerts.RedisChannel, cfg.Alerts.Enabled)

	checker := ledger.NewChecker(ledger.CheckerConfig{
		Tolerance:          cfg.Reconciliation.Tolerance,
		BatchSize:          cfg.Reconciliation.BatchSize,
		WalletAccountTypes: cfg.Reconciliation.WalletAccountTypes,
	}, runRepo, log)
	reconciler := reconciliation.NewService(reconciliation.Config{
		DailyScanLimit: cfg.Reconciliation.DailyScanLimit,
		QuickScanLimit: cfg.Reconciliation.QuickScanLimit,
		StuckAfter:     cfg.Reconciliation.StuckAfter,
	}, runRepo, postgres.NewLedgerRepository(db), checker, nil, alerter, log)

	var res result
	code := exitClean

	var report *reconciliation.Report
	switch rt {
	case domain.RunTypeDaily:
		report, err = reconciler.RunDailyReconciliation(ctx)
	case domain.RunTypeHourly:
		report, err = reconciler.RunHourlyCheck(ctx)
	default:
		report, err = reconciler.RunManual(ctx, quick)
	}
	res.Reconciliation = report
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		code = exitFailed
	} else if report.Run.Status != domain.RunStatusCompleted {
		code = exitFindings
	}

	if withSettlement {
		svc := settlement.NewService(settlement.Config{
			Window:      cfg.Settlement.Window,
			Source:      cfg.Settlement.Source,
			SuccessCode: cfg.Settlement.SuccessCode,
			Tolerance:   cfg.Settlement.Tolerance,
		}, postgres.NewSettlementRepository(db), nil, alerter, log)

		summary, err := svc.ReconcileExternalTransactions(ctx)
		res.Settlement = summary
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			code = exitFailed
		} else if summary.MismatchCount > 0 && code == exitClean {
			code = exitFindings
		}
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			log.Error("Failed to encode report", map[string]interface{}{"error": err.Error()})
			return exitFailed
		}
		return code
	}
	printReport(out, &res)
	return code
}

func printReport(w io.Writer, res *result) {
	fmt.Fprintln(w, "=========================================================")
	fmt.Fprintln(w, "CHAMA LEDGER - RECONCILIATION REPORT")
	fmt.Fprintf(w, "Time: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintln(w, "=========================================================")

	if r := res.Reconciliation; r != nil && r.Run != nil {
		run := r.Run
		fmt.Fprintf(w, "\n[1] Run %s (%s)\n", run.ID, run.RunType)
		fmt.Fprintf(w, "    Status:         %s\n", run.Status)
		fmt.Fprintf(w, "    Ledger balance: %s\n", run.LedgerBalance.StringFixed(2))
		fmt.Fprintf(w, "    Difference:     %s\n", run.Difference.StringFixed(2))
		if r.Integrity != nil {
			fmt.Fprintf(w, "    Scanned:        %d transactions", r.Integrity.Scanned)
			if r.Integrity.Truncated {
				fmt.Fprint(w, " (truncated)")
			}
			fmt.Fprintln(w)
		}

		fmt.Fprintln(w, "\n[2] Findings")
		if len(run.Mismatches) == 0 {
			fmt.Fprintln(w, "    [PASS] No discrepancies detected.")
		}
		for _, f := range run.Mismatches {
			fmt.Fprintf(w, "    [%s] %s\n", f.Severity, describe(f))
		}
	}

	if s := res.Settlement; s != nil {
		fmt.Fprintf(w, "\n[3] M-Pesa settlement since %s\n", s.WindowStart.Format(time.RFC3339))
		fmt.Fprintf(w, "    Callbacks checked:    %d\n", s.CallbacksChecked)
		fmt.Fprintf(w, "    Transactions checked: %d\n", s.TransactionsChecked)
		if s.MismatchCount == 0 {
			fmt.Fprintln(w, "    [PASS] Provider and ledger agree.")
		}
		for _, m := range s.Mismatches {
			fmt.Fprintf(w, "    [%s] %s\n", m.MismatchType, m.ExternalReference)
		}
	}

	for _, e := range res.Errors {
		fmt.Fprintf(w, "\n[ERROR] %s\n", e)
	}
}

func describe(f domain.Finding) string {
	switch {
	case f.LedgerImbalance != nil:
		return fmt.Sprintf("ledger imbalance: debits %s, credits %s, difference %s",
			f.LedgerImbalance.TotalDebitBalance.StringFixed(2),
			f.LedgerImbalance.TotalCreditBalance.StringFixed(2),
			f.LedgerImbalance.Difference.StringFixed(2))
	case f.UnbalancedTransaction != nil:
		return fmt.Sprintf("unbalanced transaction %s: difference %s",
			f.UnbalancedTransaction.Reference,
			f.UnbalancedTransaction.Difference.StringFixed(2))
	case f.NegativeBalance != nil:
		return fmt.Sprintf("negative balance on %s (%s): %s",
			f.NegativeBalance.AccountNumber,
			f.NegativeBalance.AccountType,
			f.NegativeBalance.Balance.StringFixed(2))
	}
	return string(f.Type)
}
