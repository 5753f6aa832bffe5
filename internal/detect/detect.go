// Package detect classifies a container's image reference and labels into
// an AppType, the signal the backup engine uses to pick a dump branch over
// a raw volume-copy branch.
package detect

import "strings"

// AppType names a recognized application kind. Unknown images fall back
// to AppGeneric, which always takes the volume-copy branch.
type AppType string

const (
	AppGeneric    AppType = "generic"
	AppPostgres   AppType = "postgres"
	AppMySQL      AppType = "mysql"
	AppRedis      AppType = "redis"
	AppMongo      AppType = "mongo"
	AppRabbitMQ   AppType = "rabbitmq"
	AppNginx      AppType = "nginx"
	AppTraefik    AppType = "traefik"
	AppCaddy      AppType = "caddy"
	AppGrafana    AppType = "grafana"
	AppPrometheus AppType = "prometheus"
	AppElastic    AppType = "elasticsearch"
	AppMinio      AppType = "minio"
	AppWordPress  AppType = "wordpress"
	AppGitea      AppType = "gitea"
	AppVaultwarden AppType = "vaultwarden"
)

// labelMatch pairs an image-reference substring with the AppType it
// implies. Order matters: earlier entries win, so the more specific
// derivatives (e.g. timescale/timescaledb, which is still Postgres wire
// compatible) must precede generic ones only where that ordering changes
// the outcome. Matching is substring-based against the classification
// labels and then the repository part of the image reference,
// case-insensitive.
var labelMatch = []struct {
	substr string
	app    AppType
}{
	{"timescale", AppPostgres},
	{"postgres", AppPostgres},
	{"postgis", AppPostgres},
	{"mariadb", AppMySQL},
	{"mysql", AppMySQL},
	{"percona", AppMySQL},
	{"redis", AppRedis},
	{"valkey", AppRedis},
	{"mongo", AppMongo},
	{"rabbitmq", AppRabbitMQ},
	{"nginx", AppNginx},
	{"traefik", AppTraefik},
	{"caddy", AppCaddy},
	{"grafana", AppGrafana},
	{"prometheus", AppPrometheus},
	{"elasticsearch", AppElastic},
	{"opensearch", AppElastic},
	{"minio", AppMinio},
	{"wordpress", AppWordPress},
	{"gitea", AppGitea},
	{"vaultwarden", AppVaultwarden},
	{"bitwarden", AppVaultwarden},
}

// labelOverrideKey lets a compose author force classification explicitly,
// bypassing image-name sniffing entirely — useful for custom-built images
// wrapping a database under a private registry path.
const labelOverrideKey = "backupd.app-type"

// Detect classifies imageRef and labels into an AppType. A
// "backupd.app-type" label always wins; otherwise the
// com.docker.compose.service and org.opencontainers.image.title labels are
// matched against the substring table before the image reference is.
func Detect(imageRef string, labels map[string]string) AppType {
	if labels != nil {
		if v, ok := labels[labelOverrideKey]; ok && v != "" {
			return AppType(strings.ToLower(v))
		}
	}
	for _, key := range []string{"com.docker.compose.service", "org.opencontainers.image.title"} {
		v := strings.ToLower(labels[key])
		if v == "" {
			continue
		}
		for _, m := range labelMatch {
			if strings.Contains(v, m.substr) {
				return m.app
			}
		}
	}

	repo := imageRef
	if at := strings.LastIndex(repo, "@"); at >= 0 {
		repo = repo[:at]
	}
	if colon := strings.LastIndex(repo, ":"); colon >= 0 && colon > strings.LastIndex(repo, "/") {
		repo = repo[:colon]
	}
	repo = strings.ToLower(repo)

	for _, m := range labelMatch {
		if strings.Contains(repo, m.substr) {
			return m.app
		}
	}
	return AppGeneric
}

// IsDatabase reports whether t should take the dump branch during backup
// (pg_dumpall/mysqldump) rather than the raw volume-copy branch. Only
// postgres and mysql have a dump strategy; every other tag, including
// mongo, is advisory for metadata only and falls through to volume-copy.
func IsDatabase(t AppType) bool {
	switch t {
	case AppPostgres, AppMySQL:
		return true
	default:
		return false
	}
}
