package swapconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/claraverse-space/clara-supervisor/api/pkg/planner"
	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

// Entry is one model line in the emitted document, paired with its
// resolved launch plan.
type Entry struct {
	Model *types.ModelFile
	Plan  planner.Plan
	Env   []string
	TTL   int
}

const (
	healthCheckTimeoutSecs = 300

	groupEmbedding = "embedding_models"
	groupRegular   = "regular_models"
)

// Emitter writes the declarative proxy configuration. The file is the only
// contract between the supervisor and the swap proxy; nothing else mutates
// it.
type Emitter struct {
	path       string
	serverPath string

	// writes on some filesystems report success before the content is
	// durably visible, so emission settles, verifies and optionally waits
	// again before declaring the config ready
	settleWait time.Duration
	extraWait  time.Duration
}

func NewEmitter(path, serverPath string) *Emitter {
	return &Emitter{
		path:       path,
		serverPath: serverPath,
		settleWait: 1500 * time.Millisecond,
		extraWait:  2 * time.Second,
	}
}

// Generate renders and writes the full document. Projection-classified
// files never get their own entry; they ride along as --mmproj arguments.
func (e *Emitter) Generate(entries []Entry) error {
	doc := e.render(entries)

	if err := os.WriteFile(e.path, []byte(doc), 0o644); err != nil {
		return fmt.Errorf("writing proxy config: %w", err)
	}
	time.Sleep(e.settleWait)

	written, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("verifying proxy config: %w", err)
	}
	if len(written)*10 < len(doc)*9 {
		log.Warn().
			Int("expected", len(doc)).
			Int("observed", len(written)).
			Msg("proxy config shorter than written buffer, waiting for flush")
		time.Sleep(e.extraWait)
	}

	log.Info().Int("models", len(entries)).Str("path", e.path).Msg("proxy config generated")
	return nil
}

func (e *Emitter) render(entries []Entry) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("healthCheckTimeout: %d\n", healthCheckTimeoutSecs))
	b.WriteString("logLevel: info\n")

	b.WriteString("\nmodels:\n")
	for _, entry := range entries {
		if entry.Model.IsProjection() {
			continue
		}
		e.renderModel(&b, entry)
	}

	b.WriteString("\ngroups:\n")
	b.WriteString(fmt.Sprintf("  \"%s\":\n", groupEmbedding))
	b.WriteString("    swap: false\n")
	b.WriteString("    exclusive: false\n")
	b.WriteString("    persistent: true\n")
	b.WriteString("    members:\n")
	for _, entry := range entries {
		if entry.Model.IsEmbedding() {
			b.WriteString(fmt.Sprintf("      - \"%s\"\n", entry.Model.DisplayName))
		}
	}
	b.WriteString(fmt.Sprintf("  \"%s\":\n", groupRegular))
	b.WriteString("    swap: true\n")
	b.WriteString("    exclusive: true\n")
	b.WriteString("    members:\n")
	for _, entry := range entries {
		if !entry.Model.IsEmbedding() && !entry.Model.IsProjection() {
			b.WriteString(fmt.Sprintf("      - \"%s\"\n", entry.Model.DisplayName))
		}
	}

	return b.String()
}

func (e *Emitter) renderModel(b *strings.Builder, entry Entry) {
	b.WriteString(fmt.Sprintf("  \"%s\":\n", entry.Model.DisplayName))
	b.WriteString(fmt.Sprintf("    proxy: \"http://127.0.0.1:%d\"\n", entry.Plan.Port))
	b.WriteString("    cmd: |\n")
	for _, line := range BuildCommandLines(e.serverPath, entry.Plan) {
		b.WriteString("      " + line + "\n")
	}
	if len(entry.Env) > 0 {
		b.WriteString("    env:\n")
		for _, kv := range entry.Env {
			b.WriteString(fmt.Sprintf("      - \"%s\"\n", kv))
		}
	}
	if entry.TTL > 0 {
		b.WriteString(fmt.Sprintf("    ttl: %d\n", entry.TTL))
	}
}
