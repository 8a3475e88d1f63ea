package escapexl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"zliu.org/goutil/rest"
)

var (
	zlog *zerolog.Logger
	once sync.Once
)

// GetZlog returns the package logger, creating it on first use.
func GetZlog() *zerolog.Logger {
	once.Do(func() {
		zlog = rest.Log()
	})
	return zlog
}

// errNoUpload means the request carried no file to process.
var errNoUpload = errors.New("no file uploaded")

const copyBufferSize = 32 << 10

type indexData struct {
	Flags []FlagInfo
}

// handleIndex renders the landing page.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.tmpl.ExecuteTemplate(&buf, "index.html", indexData{Flags: RecognizedFlags}); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to render index page")
		rest.ErrInternalServer(w, "Failed to render page")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

// handleHealth reports that the server is up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rest.MustWriteJSONBytes(w, []byte(`{"status":"ok"}`))
}

// handleUpload runs the uploaded spreadsheet through the filter and streams
// the result back as an attachment named after the upload.
// Example: curl -F file=@data.xlsx -F no-dates=on http://localhost:8000/upload
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	upload, err := readUpload(r, s.maxUpload)
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, errNoUpload):
			http.Redirect(w, r, "/", http.StatusFound)
		case errors.As(err, &tooLarge), errors.Is(err, multipart.ErrMessageTooLarge):
			log.Warn().Int64("limit", s.maxUpload).Msg("Upload too large")
			http.Error(w, fmt.Sprintf("Upload exceeds %d bytes", s.maxUpload), http.StatusRequestEntityTooLarge)
		default:
			log.Warn().Err(err).Msg("Malformed upload")
			rest.ErrBadRequest(w, fmt.Sprintf("Malformed upload: %s", err.Error()))
		}
		return
	}

	args := BuildArgs(nil, r.PostForm)
	p, err := s.filter.Start(r.Context(), args)
	if err != nil {
		log.Error().Err(err).Str("file", upload.Filename).Msg("Failed to start filter")
		rest.ErrInternalServer(w, "Failed to start filter")
		return
	}
	log.Info().Str("run", p.ID).Int("pid", p.Pid()).Strs("argv", s.filter.Argv(args)).
		Str("file", upload.Filename).Int("size", len(upload.Data)).Msg("Filter started")

	go func() {
		if err := p.Feed(upload.Data); err != nil {
			// The filter may stop reading early; its exit status tells the real story.
			log.Debug().Str("run", p.ID).Err(err).Msg("Filter input not fully written")
		}
	}()

	n, err := relay(w, p, upload.Filename)
	var ferr *FilterError
	switch {
	case errors.As(err, &ferr) && n == 0:
		log.Error().Str("run", p.ID).Int("exit", ferr.ExitCode()).Str("stderr", ferr.Stderr).Msg("Filter failed before producing output")
		http.Error(w, "Filter failed to process the upload", http.StatusBadGateway)
	case err != nil:
		log.Error().Str("run", p.ID).Int64("bytes", n).Err(err).Msg("Filter output interrupted")
	default:
		log.Info().Str("run", p.ID).Int64("bytes", n).Msg("Filter finished")
	}
}

// readUpload parses the multipart form and loads the "file" part into memory.
// A request without a multipart body or without a file part yields errNoUpload.
func readUpload(r *http.Request, maxMemory int64) (*Upload, error) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		if errors.Is(err, http.ErrNotMultipart) || errors.Is(err, io.EOF) {
			return nil, errNoUpload
		}
		return nil, err
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, errNoUpload
		}
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("reading uploaded file: %w", err)
	}
	return &Upload{Filename: header.Filename, Data: data}, nil
}

// relay copies filter output to w as it is produced. Headers are committed
// only once the first output byte arrives, so a filter that fails without
// output can still be answered with an error status; in that case relay
// writes nothing and returns the filter error with a zero count.
// The process is always waited for before relay returns.
func relay(w http.ResponseWriter, p *Process, filename string) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, copyBufferSize)
	var written int64

	for {
		nr, rerr := p.Read(buf)
		if nr > 0 {
			if written == 0 {
				setAttachmentHeaders(w, filename)
				w.WriteHeader(http.StatusOK)
			}
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				// Client went away; stop the filter.
				p.Kill()
				_ = p.Wait()
				return written, fmt.Errorf("writing response: %w", werr)
			}
			_ = rc.Flush()
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			p.Kill()
			if werr := p.Wait(); werr != nil && written == 0 {
				return 0, werr
			}
			return written, fmt.Errorf("reading filter output: %w", rerr)
		}
	}

	if err := p.Wait(); err != nil {
		return written, err
	}
	if written == 0 {
		// Clean exit with no output: an empty attachment.
		setAttachmentHeaders(w, filename)
		w.WriteHeader(http.StatusOK)
	}
	return written, nil
}

func setAttachmentHeaders(w http.ResponseWriter, filename string) {
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.Header().Set("Content-Type", "text/plain")
}
