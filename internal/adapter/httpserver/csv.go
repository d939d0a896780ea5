package httpserver

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gabriel-vasile/mimetype"

	"github.com/srirohitha/job-queue/internal/domain"
	"github.com/srirohitha/job-queue/internal/usecase"
)

// parseCSVSubmit handles the multipart submission mode: scalar fields
// arrive as form values, the rows as a csv_file part whose header row
// becomes the object keys. The core never sees CSV; it gets the same
// {rows, config} payload a JSON submit would carry.
func (s *Server) parseCSVSubmit(r *http.Request) (usecase.SubmitInput, error) {
	maxBytes := s.Cfg.MaxUploadMB << 20
	r.Body = http.MaxBytesReader(nil, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return usecase.SubmitInput{}, fmt.Errorf("%w: upload exceeds %d MB", domain.ErrInvalidArgument, s.Cfg.MaxUploadMB)
		}
		return usecase.SubmitInput{}, fmt.Errorf("%w: invalid multipart form: %v", domain.ErrInvalidArgument, err)
	}

	in := usecase.SubmitInput{Label: r.FormValue("label")}
	if len(in.Label) > 200 {
		return usecase.SubmitInput{}, fmt.Errorf("%w: label must be at most 200 characters", domain.ErrInvalidArgument)
	}
	if raw := r.FormValue("max_attempts"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return usecase.SubmitInput{}, fmt.Errorf("%w: max_attempts must be an integer", domain.ErrInvalidArgument)
		}
		in.MaxAttempts = n
	}
	if key := r.FormValue("idempotency_key"); key != "" {
		in.IdemKey = &key
	}

	cfg := map[string]any{}
	if raw := r.FormValue("config"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return usecase.SubmitInput{}, fmt.Errorf("%w: config must be a JSON object", domain.ErrInvalidArgument)
		}
	}

	file, _, err := r.FormFile("csv_file")
	if err != nil {
		return usecase.SubmitInput{}, fmt.Errorf("%w: csv_file part required", domain.ErrInvalidArgument)
	}
	defer file.Close()

	rows, err := decodeCSVRows(file)
	if err != nil {
		return usecase.SubmitInput{}, err
	}
	in.Payload = domain.InputPayload{"rows": rows, "config": cfg}
	return in, nil
}

// decodeCSVRows sniffs the content type, then turns each data row into
// an object keyed by the header row.
func decodeCSVRows(file io.ReadSeeker) ([]any, error) {
	mt, err := mimetype.DetectReader(file)
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable csv_file", domain.ErrInvalidArgument)
	}
	if !mt.Is("text/csv") && !mt.Is("text/plain") {
		return nil, fmt.Errorf("%w: csv_file must be CSV, got %s", domain.ErrInvalidArgument, mt.String())
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("op=httpserver.csv: rewind: %w", err)
	}

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: empty CSV file", domain.ErrInvalidArgument)
	}

	var rows []any
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: malformed CSV: %v", domain.ErrInvalidArgument, err)
		}
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: CSV has a header but no data rows", domain.ErrInvalidArgument)
	}
	return rows, nil
}
