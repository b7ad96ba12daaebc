package nameserver

import (
	"html/template"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var consoleTmpl = template.Must(template.New("console").Parse(`<html>
<head><title>BFS console</title>
<meta http-equiv="refresh" content="5"/>
</head>
<body>
<h1>NameServer {{.InstanceID}}</h1>
<p>Namespace version: {{.Version}}</p>
<p>Safemode: {{.Safemode}}</p>
<p>Total: {{.TotalQuota}}</p>
<p>Used: {{.TotalData}}</p>
<h2>Chunkservers ({{.Alive}} alive / {{.Dead}} dead)</h2>
<table border="1" cellpadding="4">
<tr><th>id</th><th>address</th><th>blocks</th><th>data size</th><th>disk quota</th><th>buffers</th><th>state</th><th>last check</th></tr>
{{range .Servers}}
<tr><td>{{.ID}}</td><td><a href="http://{{.Address}}/dfs">{{.Address}}</a></td>
<td>{{.BlockNum}}</td><td>{{.DataSize}}</td><td>{{.DiskQuota}}</td>
<td>{{.Buffers}}</td><td>{{.State}}</td><td>{{.LastCheck}}s</td></tr>
{{end}}
</table>
</body></html>`))

type consoleServer struct {
	ID        int32
	Address   string
	BlockNum  int32
	DataSize  string
	DiskQuota string
	Buffers   int32
	State     string
	LastCheck int64
}

type consolePage struct {
	InstanceID string
	Version    int64
	Safemode   bool
	TotalQuota string
	TotalData  string
	Alive      int
	Dead       int
	Servers    []consoleServer
}

func (s *NameServer) handleConsole(w http.ResponseWriter, r *http.Request) {
	page := consolePage{
		InstanceID: s.instanceID.String(),
		Version:    s.namespace.Version(),
		Safemode:   s.InSafemode(),
	}
	var totalQuota, totalData int64
	now := time.Now().Unix()
	for _, cs := range s.chunkServers.ListChunkServers() {
		state := "alive"
		if cs.Alive {
			page.Alive++
			totalQuota += cs.DiskQuota
			totalData += cs.DataSize
		} else {
			page.Dead++
			state = "dead"
		}
		page.Servers = append(page.Servers, consoleServer{
			ID:        cs.ID,
			Address:   cs.Address,
			BlockNum:  cs.BlockNum,
			DataSize:  humanize.IBytes(uint64(cs.DataSize)),
			DiskQuota: humanize.IBytes(uint64(cs.DiskQuota)),
			Buffers:   cs.Buffers,
			State:     state,
			LastCheck: now - cs.LastHeartbeat,
		})
	}
	page.TotalQuota = humanize.IBytes(uint64(totalQuota))
	page.TotalData = humanize.IBytes(uint64(totalData))
	if err := consoleTmpl.Execute(w, page); err != nil {
		log.Errorf("render console: %v", err)
	}
}

// WebHandler serves the status console and the prometheus scrape endpoint.
func (s *NameServer) WebHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/dfs", s.handleConsole)
	r.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	r.Handle("/", http.RedirectHandler("/dfs", http.StatusFound))
	return r
}
