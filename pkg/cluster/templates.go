package cluster

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/loomworks/bazaar/pkg/types"
)

// TemplateVars is the fixed substitution vocabulary for job specs. Every
// field is available to every kind; templates pick what they need. An
// unknown key in a template is a programming error and fails rendering.
type TemplateVars struct {
	JobID          string
	ModelID        string
	DeploymentID   string
	DockerRegistry string
	DockerImage    string
	DockerTag      string
	ShareDir       string
	PrivateBaseURL string
	TaskToken      string
	MemoryMB       int
	AutoscalingMin int
	AutoscalingMax int
	ExtraEnv       []string
}

// Image renders the full image reference.
func (v TemplateVars) Image() string {
	image := v.DockerImage + ":" + v.DockerTag
	if v.DockerRegistry != "" {
		image = strings.TrimSuffix(v.DockerRegistry, "/") + "/" + image
	}
	return image
}

// Job spec templates, one per kind. HCL jobs for a Nomad-style scheduler:
// the driver submits the rendered text to the scheduler's parse endpoint
// and the canonical JSON that comes back to the submit endpoint.
const trainTemplate = `
job "{{.JobID}}" {
  type = "batch"

  group "train" {
    count = 1

    task "train" {
      driver = "docker"

      config {
        image = "{{.Image}}"
        args  = ["train", "--model-id", "{{.ModelID}}"]
        volumes = ["{{.ShareDir}}:/share"]
      }

      env {
        BAZAAR_DIR         = "/share"
        BAZAAR_PRIVATE_URL = "{{.PrivateBaseURL}}"
        BAZAAR_TASK_TOKEN  = "{{.TaskToken}}"
        BAZAAR_MODEL_ID    = "{{.ModelID}}"
{{- range .ExtraEnv}}
        {{envKey .}} = "{{envValue .}}"
{{- end}}
      }

      resources {
        memory = {{.MemoryMB}}
      }
    }
  }
}
`

const deployTemplate = `
job "{{.JobID}}" {
  type = "service"

  group "deploy" {
    count = {{.AutoscalingMin}}

    scaling {
      min = {{.AutoscalingMin}}
      max = {{.AutoscalingMax}}
    }

    task "deploy" {
      driver = "docker"

      config {
        image = "{{.Image}}"
        args  = ["deployment"]
        volumes = ["{{.ShareDir}}:/share"]
      }

      env {
        BAZAAR_DIR               = "/share"
        BAZAAR_PRIVATE_URL       = "{{.PrivateBaseURL}}"
        BAZAAR_TASK_TOKEN        = "{{.TaskToken}}"
        BAZAAR_MODEL_ID          = "{{.ModelID}}"
        BAZAAR_DEPLOYMENT_ID     = "{{.DeploymentID}}"
        BAZAAR_DEPLOYMENT_CONFIG = "/share/data/{{.DeploymentID}}/deployment.json"
{{- range .ExtraEnv}}
        {{envKey .}} = "{{envValue .}}"
{{- end}}
      }

      resources {
        memory = {{.MemoryMB}}
      }
    }
  }
}
`

const datagenTemplate = `
job "{{.JobID}}" {
  type = "batch"

  group "datagen" {
    count = 1

    task "datagen" {
      driver = "docker"

      config {
        image = "{{.Image}}"
        args  = ["datagen", "--model-id", "{{.ModelID}}"]
        volumes = ["{{.ShareDir}}:/share"]
      }

      env {
        BAZAAR_DIR         = "/share"
        BAZAAR_PRIVATE_URL = "{{.PrivateBaseURL}}"
        BAZAAR_TASK_TOKEN  = "{{.TaskToken}}"
        BAZAAR_MODEL_ID    = "{{.ModelID}}"
{{- range .ExtraEnv}}
        {{envKey .}} = "{{envValue .}}"
{{- end}}
      }

      resources {
        memory = {{.MemoryMB}}
      }
    }
  }
}
`

const llmDispatchTemplate = `
job "{{.JobID}}" {
  type = "batch"

  group "llm-dispatch" {
    count = 1

    task "llm-dispatch" {
      driver = "docker"

      config {
        image = "{{.Image}}"
        args  = ["worker"]
        volumes = ["{{.ShareDir}}:/share"]
      }

      env {
        BAZAAR_DIR         = "/share"
        BAZAAR_PRIVATE_URL = "{{.PrivateBaseURL}}"
        BAZAAR_TASK_TOKEN  = "{{.TaskToken}}"
{{- range .ExtraEnv}}
        {{envKey .}} = "{{envValue .}}"
{{- end}}
      }

      resources {
        memory = {{.MemoryMB}}
      }
    }
  }
}
`

var templateFuncs = template.FuncMap{
	"envKey": func(kv string) (string, error) {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			return "", fmt.Errorf("extra env entry %q is not KEY=VALUE", kv)
		}
		return key, nil
	},
	"envValue": func(kv string) (string, error) {
		_, value, ok := strings.Cut(kv, "=")
		if !ok {
			return "", fmt.Errorf("extra env entry %q is not KEY=VALUE", kv)
		}
		return value, nil
	},
}

var jobTemplates = map[types.JobKind]*template.Template{
	types.JobTrain:       mustParse("train", trainTemplate),
	types.JobDeploy:      mustParse("deploy", deployTemplate),
	types.JobDatagen:     mustParse("datagen", datagenTemplate),
	types.JobLLMDispatch: mustParse("llm-dispatch", llmDispatchTemplate),
}

func mustParse(name, text string) *template.Template {
	return template.Must(template.New(name).
		Funcs(templateFuncs).
		Option("missingkey=error").
		Parse(text))
}

// RenderJobSpec renders the template for kind with vars. Unknown kinds are
// a programming error.
func RenderJobSpec(kind types.JobKind, vars TemplateVars) (string, error) {
	tmpl, ok := jobTemplates[kind]
	if !ok {
		return "", fmt.Errorf("unknown job kind %q", kind)
	}
	if vars.MemoryMB <= 0 {
		vars.MemoryMB = 512
	}
	if vars.AutoscalingMin <= 0 {
		vars.AutoscalingMin = 1
	}
	if vars.AutoscalingMax < vars.AutoscalingMin {
		vars.AutoscalingMax = vars.AutoscalingMin
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to render %s job spec: %w", kind, err)
	}
	return buf.String(), nil
}
