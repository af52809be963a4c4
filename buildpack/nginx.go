package buildpack

import (
	"path"

	"github.com/depker/depker/domain"
)

const nginxConfigPath = ".depker/nginx.conf"

// NginxOptions is read from the "nginx" extension
type NginxOptions struct {
	Version       string            `json:"version"`
	Charset       string            `json:"charset"`
	RootPath      string            `json:"root_path"`
	IndexPages    []string          `json:"index_pages"`
	ErrorPages    map[string]string `json:"error_pages"`
	TryFiles      *bool             `json:"try_files"`
	EnableDotfile *bool             `json:"enable_dotfile"`
	EnableCache   *bool             `json:"enable_cache"`
	Inject        struct {
		Dockerfile string `json:"dockerfile"`
		Root       string `json:"root"`
		Server     string `json:"server"`
		HTTP       string `json:"http"`
	} `json:"inject"`
}

func (o *NginxOptions) applyDefaults(project *Project) {
	if o.Version == "" {
		o.Version = "alpine"
	}
	if o.Charset == "" {
		o.Charset = "utf-8"
	}
	if o.RootPath == "" {
		o.RootPath = "."
		if project.IsDir("dist") {
			o.RootPath = "dist"
		}
	}
	if len(o.IndexPages) == 0 {
		o.IndexPages = []string{"index.html"}
	}
	enabled := true
	if o.TryFiles == nil {
		o.TryFiles = &enabled
	}
	if o.EnableCache == nil {
		o.EnableCache = &enabled
	}
	disabled := false
	if o.EnableDotfile == nil {
		o.EnableDotfile = &disabled
	}
}

const nginxDockerfile = `
FROM nginx:{{ .Options.Version }}

COPY {{ .Options.ConfigPath }} /etc/nginx/nginx.conf
{{ if exists ".depker/nginx" }}
  COPY .depker/nginx /etc/nginx/conf.d/
{{ end }}

RUN rm -f /usr/share/nginx/html/*
COPY --chown=nginx:nginx {{ .Options.From }}{{ .Options.Source }} /usr/share/nginx/html

HEALTHCHECK CMD nc -vz -w1 127.0.0.1 80

{{ .Options.Inject.Dockerfile }}
`

const nginxConfig = `user                        nginx;
worker_processes            auto;
error_log                   /var/log/nginx/error.log warn;
pid                         /var/run/nginx.pid;

events {
  worker_connections        1024;
}

include                     /etc/nginx/conf.d/*-root.conf;
{{ .Options.Inject.Root }}

http {
  server_tokens             off;
  include                   /etc/nginx/mime.types;
  default_type              application/octet-stream;
  access_log                /var/log/nginx/access.log;

  keepalive_timeout         65;
  sendfile                  on;
  tcp_nopush                on;
  port_in_redirect          off;

  server {
    listen                  80;
    charset                 {{ .Options.Charset }};
    server_name             _;

    real_ip_header          x-forwarded-for;
    set_real_ip_from        0.0.0.0/0;
    real_ip_recursive       on;

    root                    /usr/share/nginx/html;
    index                   {{ .Options.IndexPages | join " " }};
{{ range $code, $path := .Options.ErrorPages }}
    error_page              {{ $code }} /{{ $path }};
{{- end }}
{{ if not .Options.EnableDotfile }}
    location ~ /\. {
      deny                  all;
      access_log            off;
      log_not_found         off;
      return                404;
    }
{{ end }}
{{- if .Options.EnableCache }}
    location ~* \.(?:css|js)$ {
      access_log            off;
      log_not_found         off;
      add_header            Cache-Control "no-cache, public, must-revalidate, proxy-revalidate";
    }

    location ~* \.(?:jpg|jpeg|gif|png|ico|xml|webp|eot|woff|woff2|ttf|svg|otf)$ {
      access_log            off;
      log_not_found         off;
      expires               60m;
      add_header            Cache-Control "public";
    }
{{ end }}
{{- if .Options.TryFiles }}
    location / {
      try_files             $uri $uri/index.html $uri/ /index.html =404;
    }
{{ end }}
    include /etc/nginx/conf.d/*-server.conf;
    {{ .Options.Inject.Server }}
  }

  include /etc/nginx/conf.d/*-http.conf;
  {{ .Options.Inject.HTTP }}
}
`

// nginxStage carries the values only known while composing the recipe
type nginxStage struct {
	NginxOptions
	ConfigPath    string
	From          string
	Source        string
	EnableDotfile bool
	EnableCache   bool
	TryFiles      bool
}

type nginxBuildpack struct{}

// Nginx serves a static site
func Nginx() Buildpack {
	return nginxBuildpack{}
}

func (nginxBuildpack) Name() string {
	return "nginx"
}

func (nginxBuildpack) options(project *Project, svc *domain.Service) (NginxOptions, error) {
	opts := NginxOptions{}
	if err := decodeOptions(svc, "nginx", &opts); err != nil {
		return opts, err
	}
	opts.applyDefaults(project)
	return opts, nil
}

func (b nginxBuildpack) Detect(project *Project, svc *domain.Service) bool {
	opts, err := b.options(project, svc)
	if err != nil {
		return false
	}
	return project.Exists(opts.RootPath+"/index.html") || project.Exists(nginxConfigPath)
}

func (b nginxBuildpack) Recipe(project *Project, svc *domain.Service) (*Recipe, error) {
	opts, err := b.options(project, svc)
	if err != nil {
		return nil, err
	}
	source := path.Clean(opts.RootPath)
	if source != "." {
		source = "./" + source
	}
	return nginxRecipe(project, svc, opts, "", source)
}

// nginxRecipe renders the nginx stage copying the site from source, optionally from a build stage
func nginxRecipe(project *Project, svc *domain.Service, opts NginxOptions, from, source string) (*Recipe, error) {
	stage := nginxStage{
		NginxOptions:  opts,
		ConfigPath:    nginxConfigPath,
		Source:        source,
		EnableDotfile: *opts.EnableDotfile,
		EnableCache:   *opts.EnableCache,
		TryFiles:      *opts.TryFiles,
	}
	if from != "" {
		stage.From = "--from=" + from + " "
	}

	dockerfile, err := renderDockerfile("nginx", nginxDockerfile, project, svc, stage)
	if err != nil {
		return nil, err
	}

	files := map[string]string{}
	if !project.Exists(nginxConfigPath) {
		conf, err := render("nginx.conf", nginxConfig, project, svc, stage)
		if err != nil {
			return nil, err
		}
		files[nginxConfigPath] = conf
	}

	return &Recipe{Dockerfile: dockerfile, BuildArgs: svc.BuildArgs.All(), Files: files}, nil
}
