package response

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"net/netip"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lefthookroll/webserv/pkg/body"
	"github.com/lefthookroll/webserv/pkg/cgi"
	"github.com/lefthookroll/webserv/pkg/config"
	"github.com/lefthookroll/webserv/pkg/request"
	"github.com/lefthookroll/webserv/pkg/upload"
)

// DefaultSoftware is the Server header and SERVER_SOFTWARE value.
const DefaultSoftware = "webserv/1.0"

// ConnInfo carries the socket addresses of the connection a response is
// built for.
type ConnInfo struct {
	Local netip.AddrPort
	Peer  netip.AddrPort
}

// Builder turns a finished request into a Response. It is used from the
// event loop only.
type Builder struct {
	// Software is sent in the Server header.
	Software string

	// SliceSize bounds each write of a built response.
	SliceSize int

	// BodyOptions configure every response body store.
	BodyOptions []body.Option

	// Reaper takes over CGI subprocesses of responses closed early.
	Reaper *cgi.Reaper

	// Uploads resolves upload_store destinations.
	Uploads *upload.Registry

	// OnSpill is installed on every response body store.
	OnSpill func(size int64)

	logger *slog.Logger
}

// NewBuilder creates a Builder with default settings.
func NewBuilder() *Builder {
	return &Builder{
		Software:  DefaultSoftware,
		SliceSize: DefaultSliceSize,
		Reaper:    cgi.NewReaper(),
		Uploads:   upload.NewRegistry(),
		logger:    slog.Default().With("component", "response"),
	}
}

// SetLogger replaces the builder's logger.
func (b *Builder) SetLogger(l *slog.Logger) {
	b.logger = l.With("component", "response")
}

func (b *Builder) newResponse(code int, req *request.Request) *Response {
	r := newResponse(code, b.SliceSize, b.BodyOptions...)
	r.Body.OnSpill = b.OnSpill
	r.Simple = req != nil && req.State() == request.StateDone && req.Proto == ""
	r.SetHeader("Server", b.Software)
	r.SetHeader("Date", time.Now().UTC().Format(http.TimeFormat))
	return r
}

// Build resolves req against srv and returns the response to stream. A
// request in the error state yields its error page. Build never fails;
// internal problems become 5xx responses.
func (b *Builder) Build(req *request.Request, srv *config.Server, info ConnInfo) *Response {
	r := b.route(req, srv, info)
	if r.bridge == nil {
		r.finalize()
	}
	return r
}

func (b *Builder) route(req *request.Request, srv *config.Server, info ConnInfo) *Response {
	if req.State() == request.StateError {
		return b.errorPage(req.Status(), srv, req)
	}

	loc := srv.Match(req.Path)
	if loc == nil {
		return b.errorPage(http.StatusNotFound, srv, req)
	}
	if !loc.Allows(req.Method) {
		r := b.errorPage(http.StatusMethodNotAllowed, srv, req)
		r.SetHeader("Allow", loc.Methods.String())
		return r
	}
	if loc.Redirects() {
		r := b.newResponse(loc.ReturnCode, req)
		r.Kind = KindRedirect
		r.SetHeader("Location", loc.ReturnURL)
		return r
	}

	fsPath, ok := resolve(loc.Root, req.Path)
	if !ok {
		return b.errorPage(http.StatusNotFound, srv, req)
	}

	switch req.Method {
	case config.MethodPost:
		if interp, ok := loc.CGIFor(req.Path); ok && isFile(fsPath) {
			return b.cgi(req, srv, fsPath, interp, info)
		}
		if loc.UploadStore != "" {
			return b.upload(req, srv, loc)
		}
		return b.errorPage(http.StatusMethodNotAllowed, srv, req)

	case config.MethodDelete:
		return b.delete(req, srv, fsPath)
	}

	if interp, ok := loc.CGIFor(req.Path); ok && isFile(fsPath) {
		return b.cgi(req, srv, fsPath, interp, info)
	}
	return b.get(req, srv, loc, fsPath)
}

// resolve maps a decoded URL path onto root. It rejects NUL bytes,
// backslashes and dot segments.
func resolve(root, urlPath string) (string, bool) {
	if !strings.HasPrefix(urlPath, "/") || strings.ContainsAny(urlPath, "\x00\\") {
		return "", false
	}
	for _, seg := range strings.Split(urlPath, "/") {
		if seg == "." || seg == ".." {
			return "", false
		}
	}
	return filepath.Join(root, filepath.FromSlash(path.Clean(urlPath))), true
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (b *Builder) get(req *request.Request, srv *config.Server, loc *config.Location, fsPath string) *Response {
	info, err := os.Stat(fsPath)
	if err != nil {
		return b.errorPage(statusFor(err), srv, req)
	}
	if !info.IsDir() {
		return b.file(req, srv, fsPath, http.StatusOK)
	}

	if !strings.HasSuffix(req.Path, "/") {
		target := req.Path + "/"
		if req.Query != "" {
			target += "?" + req.Query
		}
		r := b.newResponse(http.StatusMovedPermanently, req)
		r.Kind = KindRedirect
		r.SetHeader("Location", target)
		return r
	}
	if loc.Index != "" {
		if index := filepath.Join(fsPath, loc.Index); isFile(index) {
			return b.file(req, srv, index, http.StatusOK)
		}
	}
	if loc.AutoIndex {
		return b.autoIndex(req, srv, fsPath)
	}
	return b.errorPage(http.StatusForbidden, srv, req)
}

// file loads name into a new response body.
func (b *Builder) file(req *request.Request, srv *config.Server, name string, code int) *Response {
	r := b.newResponse(code, req)
	r.Kind = KindStatic
	modTime, err := b.load(r, name)
	if err != nil {
		r.Close()
		b.logger.Warn("static file load failed", "path", name, "error", err)
		return b.errorPage(statusFor(err), srv, req)
	}
	r.SetHeader("Content-Type", contentType(name))
	r.SetHeader("Last-Modified", modTime.UTC().Format(http.TimeFormat))
	return r
}

func (b *Builder) load(r *Response, name string) (time.Time, error) {
	f, err := os.Open(name)
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return time.Time{}, err
	}
	if !info.Mode().IsRegular() {
		return time.Time{}, fs.ErrPermission
	}

	buf := make([]byte, r.slice)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if aerr := r.Body.Append(buf[:n]); aerr != nil {
				return time.Time{}, aerr
			}
		}
		if errors.Is(err, io.EOF) {
			return info.ModTime(), nil
		}
		if err != nil {
			return time.Time{}, err
		}
	}
}

func contentType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func (b *Builder) delete(req *request.Request, srv *config.Server, fsPath string) *Response {
	info, err := os.Lstat(fsPath)
	if err != nil {
		return b.errorPage(statusFor(err), srv, req)
	}
	if info.IsDir() {
		return b.errorPage(http.StatusForbidden, srv, req)
	}
	if err := os.Remove(fsPath); err != nil {
		b.logger.Warn("delete failed", "path", fsPath, "error", err)
		return b.errorPage(statusFor(err), srv, req)
	}
	r := b.newResponse(http.StatusNoContent, req)
	r.Kind = KindDelete
	return r
}

func (b *Builder) upload(req *request.Request, srv *config.Server, loc *config.Location) *Response {
	store, err := b.Uploads.Open(loc.UploadStore)
	if err != nil {
		b.logger.Warn("upload store unavailable", "store", loc.UploadStore, "error", err)
		return b.errorPage(http.StatusInternalServerError, srv, req)
	}
	name, err := upload.StoreName(strings.TrimPrefix(req.Path, loc.Path))
	if err != nil {
		return b.errorPage(http.StatusBadRequest, srv, req)
	}

	f, err := store.Save(name, req.Header.Get("Content-Type"), req.Body)
	switch {
	case errors.Is(err, upload.ErrTooLarge):
		return b.errorPage(http.StatusRequestEntityTooLarge, srv, req)
	case errors.Is(err, upload.ErrBadName):
		return b.errorPage(http.StatusBadRequest, srv, req)
	case err != nil:
		b.logger.Warn("upload failed", "store", loc.UploadStore, "name", name, "error", err)
		return b.errorPage(http.StatusInternalServerError, srv, req)
	}

	code, where := http.StatusCreated, path.Join(loc.Path, f.ID)
	if f.Pending {
		code, where = http.StatusAccepted, f.URL
	}
	r := b.newResponse(code, req)
	r.Kind = KindUpload
	r.SetHeader("Location", where)
	r.SetHeader("Content-Type", "text/plain; charset=utf-8")
	if err := r.Body.AppendString(where + "\n"); err != nil {
		b.logger.Warn("upload response body failed", "error", err)
		r.Close()
		return b.errorPage(http.StatusInternalServerError, srv, req)
	}
	return r
}

func (b *Builder) cgi(req *request.Request, srv *config.Server, script, interp string, info ConnInfo) *Response {
	br := cgi.New()
	br.Reaper = b.Reaper

	meta := cgi.Meta{
		ServerName:     srv.Name,
		ServerPort:     int(info.Local.Port()),
		ServerSoftware: b.Software,
	}
	if meta.ServerName == "" {
		meta.ServerName = req.Host()
	}
	if info.Peer.IsValid() {
		meta.RemoteAddr = info.Peer.Addr().String()
		meta.RemotePort = int(info.Peer.Port())
	}

	if err := b.spawn(br, req, script, interp, meta); err != nil {
		br.Close()
		b.logger.Warn("cgi spawn failed", "script", script, "error", err)
		return b.errorPage(http.StatusInternalServerError, srv, req)
	}

	r := b.newResponse(http.StatusOK, req)
	r.Kind = KindCGI
	r.bridge = br
	r.awaiting = true
	r.next = StateSendingChunked
	return r
}

func (b *Builder) spawn(br *cgi.Bridge, req *request.Request, script, interp string, meta cgi.Meta) error {
	if err := br.Prepare(req, script, interp, meta); err != nil {
		return err
	}
	var stdin *os.File
	if req.Body != nil && req.Body.Size() > 0 {
		if err := req.Body.Spill(); err != nil {
			return err
		}
		if err := req.Body.Rewind(); err != nil {
			return err
		}
		stdin = req.Body.File()
	}
	return br.Execute(stdin)
}

// ErrorPage builds the response for code. A custom page configured on
// srv is preferred; otherwise a built-in page is used. ErrorPage always
// returns a usable response.
func (b *Builder) ErrorPage(code int, srv *config.Server, req *request.Request) *Response {
	r := b.errorPage(code, srv, req)
	r.finalize()
	return r
}

func (b *Builder) errorPage(code int, srv *config.Server, req *request.Request) *Response {
	r := b.newResponse(code, req)
	r.Kind = KindError
	if bodyless(code) {
		return r
	}
	if srv != nil {
		if page, ok := srv.ErrorPage(code); ok {
			name := pagePath(srv, page)
			if _, err := b.load(r, name); err == nil {
				r.SetHeader("Content-Type", contentType(name))
				return r
			}
			b.logger.Debug("custom error page unavailable", "code", code, "page", page)
			r.Body.Clear()
		}
	}
	r.SetHeader("Content-Type", "text/html; charset=utf-8")
	if err := r.Body.AppendString(builtinPage(code)); err != nil {
		// Last resort: send the status with an empty body.
		b.logger.Warn("error page body failed", "code", code, "error", err)
		r.Body.Clear()
	}
	return r
}

// pagePath maps an error_page URI onto the filesystem through the location
// that would serve it. Pages outside every location are read as plain
// filesystem paths.
func pagePath(srv *config.Server, page string) string {
	if strings.HasPrefix(page, "/") {
		if loc := srv.Match(page); loc != nil {
			if p, ok := resolve(loc.Root, page); ok {
				return p
			}
		}
	}
	return filepath.FromSlash(page)
}

func builtinPage(code int) string {
	title := strconv.Itoa(code) + " " + Reason(code)
	return fmt.Sprintf("<!DOCTYPE html>\n<html>\n<head><title>%s</title></head>\n"+
		"<body>\n<h1>%s</h1>\n<hr>\n<p>%s</p>\n</body>\n</html>\n", title, title, DefaultSoftware)
}
