package buildpack

import (
	"path"

	"github.com/depker/depker/domain"
)

// NodejsOptions is read from the "nodejs" extension. Commands are a shell string or an exec list.
type NodejsOptions struct {
	// Type is "server" (default) or "static"
	Type    string `json:"type"`
	Version string `json:"version"`
	Install any    `json:"install"`
	Build   any    `json:"build"`
	Start   any    `json:"start"`
	Inject  struct {
		BeforeInstall string `json:"before_install"`
		AfterInstall  string `json:"after_install"`
		BeforeBuild   string `json:"before_build"`
		AfterBuild    string `json:"after_build"`
	} `json:"inject"`
}

const nodejsBuilder = `
FROM node:{{ .Options.Version | default "lts-alpine" }} AS builder

WORKDIR /app

{{ if exists "pnpm-lock.yaml" }}
  COPY package.json pnpm-lock.yaml ./
{{ else if exists "yarn.lock" }}
  COPY package.json yarn.lock ./
{{ else }}
  COPY package*.json ./
{{ end }}

{{ .Options.Inject.BeforeInstall }}

{{ if .Options.Install }}
  RUN {{ command .Options.Install }}
{{ else if exists "pnpm-lock.yaml" }}
  RUN --mount=type=cache,target=/root/.local/share/pnpm/store \
      corepack enable && pnpm install --frozen-lockfile
{{ else if exists "yarn.lock" }}
  RUN --mount=type=cache,target=/usr/local/share/.cache/yarn \
      corepack enable && yarn install --frozen-lockfile
{{ else if exists "package-lock.json" }}
  RUN --mount=type=cache,target=/root/.npm npm ci
{{ else }}
  RUN --mount=type=cache,target=/root/.npm npm install
{{ end }}

COPY . .

{{ .Options.Inject.AfterInstall }}

{{ .Options.Inject.BeforeBuild }}

{{ if .Options.Build }}
  RUN {{ command .Options.Build }}
{{ else if script "build" }}
  RUN {{ .Options.Runner }} run build
{{ end }}

{{ .Options.Inject.AfterBuild }}
`

const nodejsServer = nodejsBuilder + `
ENTRYPOINT []
{{ if .Options.Start }}
  CMD {{ command .Options.Start }}
{{ else if script "start" }}
  CMD ["{{ .Options.Runner }}", "run", "start"]
{{ else if exists "server.js" }}
  CMD ["node", "server.js"]
{{ else if exists "app.js" }}
  CMD ["node", "app.js"]
{{ else if exists "main.js" }}
  CMD ["node", "main.js"]
{{ else if exists "index.js" }}
  CMD ["node", "index.js"]
{{ end }}
`

type nodejsStage struct {
	NodejsOptions
	Runner string
}

type nodejsBuildpack struct{}

// Nodejs builds package.json projects as a node server or as a static site served by nginx
func Nodejs() Buildpack {
	return nodejsBuildpack{}
}

func (nodejsBuildpack) Name() string {
	return "nodejs"
}

func (nodejsBuildpack) Detect(project *Project, svc *domain.Service) bool {
	return project.Exists("package.json")
}

func (nodejsBuildpack) Recipe(project *Project, svc *domain.Service) (*Recipe, error) {
	opts := NodejsOptions{}
	if err := decodeOptions(svc, "nodejs", &opts); err != nil {
		return nil, err
	}
	stage := nodejsStage{NodejsOptions: opts, Runner: runner(project)}

	if opts.Type != "static" {
		dockerfile, err := renderDockerfile("nodejs", nodejsServer, project, svc, stage)
		if err != nil {
			return nil, err
		}
		return &Recipe{Dockerfile: dockerfile, BuildArgs: svc.BuildArgs.All()}, nil
	}

	builder, err := renderDockerfile("nodejs", nodejsBuilder, project, svc, stage)
	if err != nil {
		return nil, err
	}

	nginx := NginxOptions{}
	if err := decodeOptions(svc, "nginx", &nginx); err != nil {
		return nil, err
	}
	if nginx.RootPath == "" {
		nginx.RootPath = "dist"
	}
	nginx.applyDefaults(project)

	recipe, err := nginxRecipe(project, svc, nginx, "builder", path.Join("/app", nginx.RootPath))
	if err != nil {
		return nil, err
	}
	recipe.Dockerfile = builder + "\n" + recipe.Dockerfile
	return recipe, nil
}

func runner(project *Project) string {
	switch {
	case project.Exists("pnpm-lock.yaml"):
		return "pnpm"
	case project.Exists("yarn.lock"):
		return "yarn"
	default:
		return "npm"
	}
}
