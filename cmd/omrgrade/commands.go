package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/pavelanni/omrgrade/internal/batch"
	"github.com/pavelanni/omrgrade/internal/grading"
	appI18n "github.com/pavelanni/omrgrade/internal/i18n"
	"github.com/pavelanni/omrgrade/internal/model"
	"github.com/pavelanni/omrgrade/internal/sheetio"
	"github.com/pavelanni/omrgrade/internal/store"
)

// lockTimeout bounds how long a command waits for another process
// writing the same database.
const lockTimeout = 30 * time.Second

// withDBLock holds an exclusive lock beside the database file while fn
// runs, so concurrent CLI invocations never interleave batch writes.
func withDBLock(ctx context.Context, dbPath string, fn func() error) error {
	lock := flock.New(dbPath + ".lock")
	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, 250*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock %s: %w", dbPath, err)
	}
	if !locked {
		return fmt.Errorf("database %s is busy", dbPath)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("failed to release database lock", "path", lock.Path(), "error", err)
		}
	}()
	return fn()
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage answer keys",
	}
	imp := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Import an answer key CSV (question,answer; multi answers joined with &)",
		Args:  cobra.ExactArgs(1),
		RunE:  runKeyImport,
	}
	f := imp.Flags()
	modeFlag(f)
	f.Bool("force", false, "Import even if the file is unchanged")
	commonFlags(f)
	cmd.AddCommand(imp)
	return cmd
}

func rosterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "Manage the class roster",
	}
	imp := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Replace the roster from a CSV (id,name or id,first,last,...)",
		Args:  cobra.ExactArgs(1),
		RunE:  runRosterImport,
	}
	f := imp.Flags()
	f.Bool("force", false, "Import even if the file is unchanged")
	commonFlags(f)
	cmd.AddCommand(imp)
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade <readings.json>",
		Short: "Grade OCR readings and replace the stored batch",
		Args:  cobra.ExactArgs(1),
		RunE:  runGrade,
	}
	f := cmd.Flags()
	modeFlag(f)
	commonFlags(f)
	return cmd
}

func resultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Show the classified results of the stored batch",
		RunE:  runResults,
	}
	f := cmd.Flags()
	modeFlag(f)
	f.StringP("format", "f", "table", "Output format (table, json)")
	commonFlags(f)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export results as CSV or JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	modeFlag(f)
	f.StringP("format", "f", "csv", "Output format (csv, json)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	commonFlags(f)
	return cmd
}

func editCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <record-id>",
		Short: "Correct the identity and answers of one sheet",
		Args:  cobra.ExactArgs(1),
		RunE:  runEdit,
	}
	f := cmd.Flags()
	modeFlag(f)
	f.String("student-id", "", "Student ID to assign (required)")
	f.String("name", "", "Student name (default: roster name)")
	f.StringArray("answer", nil, "Replace one question's marks as Q=choices, e.g. 3=1&4 or 3= to clear (repeatable)")
	f.Bool("list-students", false, "List the students available for this sheet and exit")
	commonFlags(f)
	return cmd
}

func clearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard the stored batch for a mode",
		RunE:  runClear,
	}
	f := cmd.Flags()
	modeFlag(f)
	commonFlags(f)
	return cmd
}

// importUnchanged reports whether data was already imported under name,
// and returns the hash to record after a successful import.
func importUnchanged(db *store.Store, name string, data []byte, force bool) (bool, string, error) {
	hash := sha256sum(data)
	stored, err := db.GetImportedFileHash(name)
	if err != nil {
		return false, "", fmt.Errorf("check import status for %s: %w", name, err)
	}
	if stored == hash && !force {
		return true, hash, nil
	}
	if stored != "" && stored != hash {
		slog.Info("file changed since last import, replacing", "file", name)
	}
	return false, hash, nil
}

func runKeyImport(cmd *cobra.Command, args []string) error {
	v, db, _, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	mode, err := modeFromViper(v)
	if err != nil {
		return err
	}
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	abs, _ := filepath.Abs(path)
	name := "key:" + string(mode) + ":" + abs
	unchanged, hash, err := importUnchanged(db, name, data, v.GetBool("force"))
	if err != nil {
		return err
	}
	if unchanged {
		slog.Info("answer key unchanged, skipping", "path", path, "mode", mode)
		return nil
	}

	key, err := sheetio.ParseAnswerKey(bytes.NewReader(data), mode)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := db.PutAnswerKey(cmd.Context(), *key); err != nil {
		return fmt.Errorf("save answer key: %w", err)
	}
	if err := db.SetImportedFileHash(name, hash); err != nil {
		return fmt.Errorf("record import for %s: %w", path, err)
	}
	slog.Info("imported answer key", "path", path, "mode", mode, "questions", key.Total())
	fmt.Fprintln(cmd.OutOrStdout(), appI18n.T(cmd.Context(), "AnswerKeySaved"))
	return nil
}

func runRosterImport(cmd *cobra.Command, args []string) error {
	v, db, _, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	abs, _ := filepath.Abs(path)
	name := "roster:" + abs
	unchanged, hash, err := importUnchanged(db, name, data, v.GetBool("force"))
	if err != nil {
		return err
	}
	if unchanged {
		slog.Info("roster unchanged, skipping", "path", path)
		return nil
	}

	students, err := sheetio.ParseRoster(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := db.ReplaceRoster(cmd.Context(), students); err != nil {
		return fmt.Errorf("save roster: %w", err)
	}
	if err := db.SetImportedFileHash(name, hash); err != nil {
		return fmt.Errorf("record import for %s: %w", path, err)
	}
	slog.Info("imported roster", "path", path, "students", len(students))
	fmt.Fprintln(cmd.OutOrStdout(), appI18n.Tp(cmd.Context(), "StudentsImported", len(students)))
	return nil
}

func runGrade(cmd *cobra.Command, args []string) error {
	v, db, svc, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	mode, err := modeFromViper(v)
	if err != nil {
		return err
	}
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open readings: %w", err)
	}
	defer f.Close()
	readings, err := sheetio.ParseReadings(f)
	if err != nil {
		return err
	}

	var res model.BatchResult
	err = withDBLock(cmd.Context(), v.GetString("db"), func() error {
		res, err = svc.Grade(cmd.Context(), mode, readings)
		return err
	})
	if err != nil {
		return err
	}

	key, err := svc.AnswerKey(cmd.Context(), mode)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, sheetio.RenderTable(sheetio.BuildExport(res, key, time.Now())))
	fmt.Fprintln(out, appI18n.Tp(cmd.Context(), "SheetsGraded", len(readings)))
	if n := res.Stats.UnmatchedCount; n > 0 {
		fmt.Fprintln(out, appI18n.Tp(cmd.Context(), "UnmatchedSheets", n))
	}
	return nil
}

func runResults(cmd *cobra.Command, _ []string) error {
	v, db, svc, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	exp, err := loadExport(cmd.Context(), svc, v.GetString("mode"))
	if err != nil {
		return err
	}
	if at, err := db.LastGraded(exp.Mode); err == nil && !at.IsZero() {
		slog.Debug("batch last graded", "mode", exp.Mode, "at", at)
	}

	out := cmd.OutOrStdout()
	switch format := v.GetString("format"); format {
	case "table":
		fmt.Fprintln(out, sheetio.RenderTable(exp))
		return nil
	case "json":
		return sheetio.WriteJSON(out, exp)
	default:
		return fmt.Errorf("unknown format %q (want table or json)", format)
	}
}

func runExport(cmd *cobra.Command, _ []string) error {
	v, db, svc, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	exp, err := loadExport(cmd.Context(), svc, v.GetString("mode"))
	if err != nil {
		return err
	}

	format := v.GetString("format")
	if format != "csv" && format != "json" {
		return fmt.Errorf("unknown format %q (want csv or json)", format)
	}
	w, closeOut, err := openOutput(v.GetString("output"), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if format == "csv" {
		err = sheetio.WriteCSV(w, exp)
	} else {
		err = sheetio.WriteJSON(w, exp)
	}
	if cerr := closeOut(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	slog.Info("exported results", "mode", exp.Mode, "rows", len(exp.Rows), "format", format)
	return nil
}

// loadExport classifies the stored batch for modeName. A missing key is
// not an error here: question columns then come from the sheets.
func loadExport(ctx context.Context, svc *batch.Service, modeName string) (model.ResultExport, error) {
	mode, err := model.ParseMode(modeName)
	if err != nil {
		return model.ResultExport{}, err
	}
	res, err := svc.Results(ctx, mode)
	if err != nil {
		return model.ResultExport{}, err
	}
	key, err := svc.AnswerKey(ctx, mode)
	if err != nil && !errors.Is(err, grading.ErrMissingAnswerKey) {
		return model.ResultExport{}, err
	}
	return sheetio.BuildExport(res, key, time.Now()), nil
}

func runEdit(cmd *cobra.Command, args []string) error {
	v, db, svc, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	mode, err := modeFromViper(v)
	if err != nil {
		return err
	}
	recordID := args[0]
	out := cmd.OutOrStdout()

	if v.GetBool("list-students") {
		sess, err := svc.Edit(cmd.Context(), mode, recordID)
		if err != nil {
			return err
		}
		defer sess.Cancel()
		opts, err := sess.Options(cmd.Context())
		if err != nil {
			return err
		}
		for _, o := range opts {
			marker := " "
			if o.Current {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %s\t%s\n", marker, o.StudentID, o.Name)
		}
		return nil
	}

	rawAnswers, err := cmd.Flags().GetStringArray("answer")
	if err != nil {
		return err
	}
	answers, err := parseAnswerFlags(rawAnswers)
	if err != nil {
		return err
	}
	req := model.EditRequest{
		StudentID:   v.GetString("student-id"),
		StudentName: v.GetString("name"),
		Answers:     answers,
	}

	var rec model.StudentRecord
	err = withDBLock(cmd.Context(), v.GetString("db"), func() error {
		rec, err = svc.ApplyEdit(cmd.Context(), mode, recordID, req)
		return err
	})
	if errors.Is(err, batch.ErrMissingIdentity) {
		return fmt.Errorf("%s (--student-id): %w", appI18n.T(cmd.Context(), "ErrMissingIdentity"), err)
	}
	if err != nil {
		return err
	}

	score := "-"
	if rec.Score != nil {
		score = fmt.Sprintf("%d/%d", *rec.Score, rec.Total)
	}
	fmt.Fprintf(out, "%s %s %s %s\n", appI18n.T(cmd.Context(), "SheetSaved"), rec.StudentID, rec.StudentName, score)
	if rec.IsDuplicate {
		slog.Warn("student id now appears on more than one sheet", "student_id", rec.StudentID)
	}
	return nil
}

// parseAnswerFlags reads --answer values of the form Q=choices.
func parseAnswerFlags(values []string) (map[int][]int, error) {
	answers := make(map[int][]int, len(values))
	for _, raw := range values {
		qs, cs, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, fmt.Errorf("answer %q: want Q=choices", raw)
		}
		q, err := strconv.Atoi(strings.TrimSpace(qs))
		if err != nil {
			return nil, fmt.Errorf("answer %q: bad question number", raw)
		}
		choices := []int{}
		for _, c := range strings.Split(cs, "&") {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			n, err := strconv.Atoi(c)
			if err != nil {
				return nil, fmt.Errorf("answer %q: bad choice %q", raw, c)
			}
			choices = append(choices, n)
		}
		answers[q] = choices
	}
	return answers, nil
}

func runClear(cmd *cobra.Command, _ []string) error {
	v, db, svc, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	mode, err := modeFromViper(v)
	if err != nil {
		return err
	}
	err = withDBLock(cmd.Context(), v.GetString("db"), func() error {
		return svc.Clear(cmd.Context(), mode)
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), appI18n.T(cmd.Context(), "BatchCleared"))
	return nil
}
