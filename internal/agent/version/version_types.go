package version

// Info describes the running collector build and where it reports.
type Info struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	Commit          string `json:"commit,omitempty"`
	GoVersion       string `json:"go_version"`
	InstanceID      string `json:"instance_id"`
	SinkMode        string `json:"sink_mode"`
	ProbeListenAddr string `json:"probe_listen_addr"`
	CheckedAtUnix   int64  `json:"checked_at_unix"`
}
