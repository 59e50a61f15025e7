package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/language"

	"github.com/pavelanni/omrgrade/internal/batch"
	"github.com/pavelanni/omrgrade/internal/handler"
	appI18n "github.com/pavelanni/omrgrade/internal/i18n"
	"github.com/pavelanni/omrgrade/internal/model"
	"github.com/pavelanni/omrgrade/internal/reconcile"
	"github.com/pavelanni/omrgrade/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "omrgrade",
		Short: "Grade scanned multiple-choice answer sheets",
		Long: "omrgrade grades OCR readings of multiple-choice answer sheets against an\n" +
			"answer key, matches them to the class roster and exports the results.\n" +
			"Without a subcommand it starts the HTTP API, like \"omrgrade serve\".",
		RunE: runServe,
	}
	serveFlags(root.Flags())

	root.AddCommand(
		serveCmd(),
		keyCmd(),
		rosterCmd(),
		gradeCmd(),
		resultsCmd(),
		exportCmd(),
		editCmd(),
		clearCmd(),
	)
	return root
}

// commonFlags registers the flags every command shares.
func commonFlags(f *pflag.FlagSet) {
	f.String("db", "omrgrade.db", "SQLite database path")
	f.StringP("lang", "l", "th", "Message language (en, th)")
	f.String("collation", reconcile.DefaultCollation.String(), "BCP 47 tag for student ID ordering")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func modeFlag(f *pflag.FlagSet) {
	f.StringP("mode", "m", string(model.ModeSingle), "Grading mode (single, multi)")
}

// serveFlags registers the server flags on serve and on the root command.
func serveFlags(f *pflag.FlagSet) {
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("operator-password", "", "Operator password for mutating routes (or set OMRGRADE_OPERATOR_PASSWORD)")
	commonFlags(f)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading API",
		RunE:  runServe,
	}
	serveFlags(cmd.Flags())
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("OMRGRADE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("omrgrade")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/omrgrade")
	v.AddConfigPath("/etc/omrgrade")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// setup configures logging and i18n, opens the database and builds the
// batch service. The caller closes the returned store.
func setup(cmd *cobra.Command) (*viper.Viper, *store.Store, *batch.Service, error) {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return nil, nil, nil, fmt.Errorf("init i18n: %w", err)
	}
	tag, err := language.Parse(v.GetString("collation"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse collation %q: %w", v.GetString("collation"), err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	svc := batch.New(db, db, db, reconcile.New(tag))
	return v, db, svc, nil
}

func modeFromViper(v *viper.Viper) (model.Mode, error) {
	return model.ParseMode(v.GetString("mode"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	v, db, svc, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := seedOperator(db, v.GetString("operator-password")); err != nil {
		return fmt.Errorf("seed operator: %w", err)
	}

	lang := v.GetString("lang")
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	handler.New(db, svc).Routes(r)

	students, err := db.RosterCount(cmd.Context())
	if err != nil {
		return fmt.Errorf("count roster: %w", err)
	}

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"db", v.GetString("db"),
		"roster_students", students,
		"lang", lang,
		"collation", v.GetString("collation"),
	)
	return http.ListenAndServe(addr, r)
}

// seedOperator stores the operator password hash on first start and
// replaces it when a different password is supplied later.
func seedOperator(db *store.Store, password string) error {
	stored, err := db.OperatorPasswordHash()
	if err != nil {
		return err
	}
	if password == "" {
		if stored == "" {
			return fmt.Errorf("operator password is required: set --operator-password flag or OMRGRADE_OPERATOR_PASSWORD env var")
		}
		return nil
	}
	if stored != "" && bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil {
		return nil
	}

	hash, err := handler.HashPassword(password)
	if err != nil {
		return err
	}
	if err := db.SetOperatorPasswordHash(hash); err != nil {
		return fmt.Errorf("store operator password: %w", err)
	}
	if stored == "" {
		slog.Info("seeded operator password", "user", handler.OperatorUser)
	} else {
		slog.Info("updated operator password", "user", handler.OperatorUser)
	}
	return nil
}

// openOutput returns stdout for "" or "-", otherwise a created file.
func openOutput(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output file: %w", err)
	}
	return f, f.Close, nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
