package admin

import (
	"bonus_sync/internal/repo"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
)

// MaxImportSize caps an uploaded CSV file.
const MaxImportSize = 5 << 20

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// headerWords mark the optional first row of an import file.
var headerWords = []string{"код бонуса", "бонус", "code", "bonus"}

type ImportResult struct {
	Success    bool     `json:"success"`
	Updated    int      `json:"updated"`
	Errors     []string `json:"errors"`
	TotalLines int      `json:"total_lines"`
	Error      string   `json:"error,omitempty"`
}

type lineError struct {
	line int
	msg  string
}

type importRow struct {
	line int
	code repo.BonusCode
}

// ImportCSV reads "code;amount" lines and updates existing codes. Input that
// is not valid UTF-8 is decoded as Windows-1251.
func (s *Service) ImportCSV(ctx context.Context, userID string, r io.Reader) (ImportResult, error) {
	raw, err := io.ReadAll(io.LimitReader(r, MaxImportSize+1))
	if err != nil {
		return ImportResult{}, fmt.Errorf("read csv: %w", err)
	}
	if len(raw) > MaxImportSize {
		return ImportResult{Errors: []string{}, Error: "File is too large"}, nil
	}

	text, err := decodeText(raw)
	if err != nil {
		return ImportResult{Errors: []string{}, Error: "Unsupported file encoding"}, nil
	}

	rows, lineErrs, total := parseImport(text)

	valid, unknown, err := s.splitExisting(ctx, codesOf(rows))
	if err != nil {
		return ImportResult{}, err
	}
	unknownSet := make(map[string]bool, len(unknown))
	for _, c := range unknown {
		unknownSet[c.Code] = true
	}
	for _, row := range rows {
		if unknownSet[row.code.Code] {
			lineErrs = append(lineErrs, lineError{
				line: row.line,
				msg:  fmt.Sprintf("Code '%s' does not exist in database", row.code.Code),
			})
		}
	}

	res := ImportResult{Errors: formatLineErrors(lineErrs), TotalLines: total}
	if len(valid) == 0 {
		res.Error = "No valid data to import"
		return res, nil
	}

	updated, err := s.store.UpdateBatch(ctx, valid)
	if err != nil {
		return ImportResult{}, fmt.Errorf("import bonus codes: %w", err)
	}
	s.invalidate()

	s.logger.Info("bonus codes imported",
		zap.String("user_id", userID),
		zap.Int("total_lines", total),
		zap.Int("updated", updated),
		zap.Int("errors", len(res.Errors)),
	)

	res.Success = true
	res.Updated = updated
	return res, nil
}

func decodeText(raw []byte) (string, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	decoded, err := charmap.Windows1251.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// parseImport returns the well-formed rows, per-line errors and the number of lines.
func parseImport(text string) ([]importRow, []lineError, int) {
	text = strings.TrimRight(text, "\r\n")
	if strings.TrimSpace(text) == "" {
		return nil, nil, 0
	}
	total := strings.Count(text, "\n") + 1

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var (
		rows []importRow
		errs []lineError
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				errs = append(errs, lineError{line: pe.StartLine, msg: "Invalid format"})
				continue
			}
			errs = append(errs, lineError{line: total, msg: "Invalid format"})
			break
		}
		line, _ := reader.FieldPos(0)

		if line == 1 && isHeader(record) {
			continue
		}
		if len(record) < 2 {
			if strings.TrimSpace(record[0]) != "" {
				errs = append(errs, lineError{line: line, msg: "Invalid format"})
			}
			continue
		}

		code := strings.TrimSpace(record[0])
		if code == "" {
			continue
		}

		amount, ok := parseAmount(record[1])
		if !ok {
			errs = append(errs, lineError{line: line, msg: fmt.Sprintf("Invalid bonus value for code %s", code)})
			continue
		}
		if amount.IsNegative() {
			errs = append(errs, lineError{line: line, msg: fmt.Sprintf("Negative bonus value for code %s", code)})
			continue
		}
		rows = append(rows, importRow{line: line, code: repo.BonusCode{Code: code, Amount: amount}})
	}
	return rows, errs, total
}

func isHeader(record []string) bool {
	if len(record) > 1 {
		if _, ok := parseAmount(record[1]); ok {
			return false
		}
	}
	joined := strings.ToLower(strings.Join(record, ";"))
	for _, w := range headerWords {
		if strings.Contains(joined, w) {
			return true
		}
	}
	return false
}

// parseAmount accepts a dot or a comma as decimal separator.
func parseAmount(s string) (decimal.Decimal, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func codesOf(rows []importRow) []repo.BonusCode {
	out := make([]repo.BonusCode, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.code)
	}
	return out
}

func formatLineErrors(errs []lineError) []string {
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].line < errs[j].line })
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, fmt.Sprintf("Line %d: %s", e.line, e.msg))
	}
	return out
}
