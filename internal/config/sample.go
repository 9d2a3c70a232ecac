package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

const sampleHeader = `# server-dr configuration
#
# Every key can be overridden from the environment with the SERVER_DR_ prefix,
# nested keys joined by underscores, e.g.
#   SERVER_DR_BACKUP_DIR=/srv/backups
#   SERVER_DR_COMPONENTS_DATABASE_PASSWORD=...
#
# Keep this file mode 0600 when it holds credentials.
`

// WriteSample writes a complete configuration with every default filled in.
// Components are shown enabled with example paths so the file is usable after editing.
func WriteSample(w io.Writer) error {
	cfg := Default()
	cfg.Components.Database.Enabled = true
	cfg.Components.Database.Username = "backup"
	cfg.Components.Cache.Enabled = true
	cfg.Components.Application.Enabled = true
	cfg.Components.Application.Paths = []string{"/srv/app"}
	cfg.Components.Application.Exclude = []string{"*.log", "node_modules"}
	cfg.Components.Application.CriticalFiles = []string{"app/index.php"}
	cfg.Components.Configuration.Enabled = true
	cfg.Components.Configuration.Paths = []string{"/etc/nginx", "/etc/mysql"}
	cfg.Components.Configuration.RequiredPatterns = []string{"server_name"}
	cfg.Components.Certificates.Enabled = true
	cfg.Components.Certificates.Paths = []string{"/etc/letsencrypt"}
	cfg.Components.Monitoring.Enabled = true
	cfg.Components.Monitoring.PrometheusURL = "http://127.0.0.1:9090"
	cfg.Schedule.Expression = "0 2 * * *"

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render sample configuration: %w", err)
	}

	if _, err := io.WriteString(w, sampleHeader); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
