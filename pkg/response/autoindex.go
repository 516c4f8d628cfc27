package response

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/lefthookroll/webserv/pkg/config"
	"github.com/lefthookroll/webserv/pkg/request"
)

var indexTemplate = template.Must(template.New("autoindex").Parse(`<!DOCTYPE html>
<html>
<head><title>Index of {{.Path}}</title></head>
<body>
<h1>Index of {{.Path}}</h1>
<hr>
<pre>
{{- if ne .Path "/"}}
<a href="../">../</a>{{end}}
{{- range .Entries}}
<a href="{{.Href}}">{{.Name}}</a>	{{.ModTime}}	{{.Size}}{{end}}
</pre>
<hr>
</body>
</html>
`))

type indexEntry struct {
	Name    string
	Href    string
	ModTime string
	Size    string
	dir     bool
}

// autoIndex lists dir. Directories sort before files.
func (b *Builder) autoIndex(req *request.Request, srv *config.Server, dir string) *Response {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return b.errorPage(statusFor(err), srv, req)
	}

	list := make([]indexEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		ent := indexEntry{
			Name:    e.Name(),
			Href:    (&url.URL{Path: e.Name()}).EscapedPath(),
			ModTime: info.ModTime().UTC().Format(time.DateTime),
			Size:    "-",
			dir:     e.IsDir(),
		}
		if ent.dir {
			ent.Name += "/"
			ent.Href += "/"
		} else {
			ent.Size = formatSize(info.Size())
		}
		list = append(list, ent)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].dir != list[j].dir {
			return list[i].dir
		}
		return list[i].Name < list[j].Name
	})

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, struct {
		Path    string
		Entries []indexEntry
	}{req.Path, list}); err != nil {
		b.logger.Warn("autoindex render failed", "dir", dir, "error", err)
		return b.errorPage(http.StatusInternalServerError, srv, req)
	}

	r := b.newResponse(http.StatusOK, req)
	r.Kind = KindAutoIndex
	r.SetHeader("Content-Type", "text/html; charset=utf-8")
	if err := r.Body.Append(buf.Bytes()); err != nil {
		r.Close()
		return b.errorPage(http.StatusInternalServerError, srv, req)
	}
	return r
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%c", float64(n)/float64(div), "KMGTPE"[exp])
}
