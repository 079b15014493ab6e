package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/migrate"
	"phaseline/internal/repo"
	"phaseline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Phaseline CLI",
	Long: `Phaseline governs project lifecycles against phase templates.
Concepts:
- Workspace: the .phaseline directory holding the database; phaseline.yml next to it configures the instance.
- Template: a versioned list of ordered phases, each with a mandatory artifact-type set; one template is the instance default.
- Project: created empty, then a template is applied; phases are copied by value so later template edits never reach running projects.
- Phase: not_started -> in_progress -> completed, forward only.
- Artifact: a deliverable under a phase; versions are append-only and reviews walk a bound workflow step by step.
- Defect: new -> assigned -> fixed -> closed, with reopen from fixed; open high/critical defects block closure.
- Closure: a four-point checklist; 'pl project validate' shows it, 'pl project close' enforces it, force-close records a justification.
- Event log: diary of changes, view with 'pl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PHASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(defectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(iterationCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- template ---

func templateCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "template",
		Short: "Manage phase templates",
		Long:  "Templates define the phases a project will walk through. Each phase carries a mandatory artifact-type set drawn from the instance catalog. Templates are versioned; editing is only allowed before any project uses them.",
	}
	t.AddCommand(templateCreateCmd())
	t.AddCommand(templateListCmd())
	t.AddCommand(templateShowCmd())
	t.AddCommand(templateSetDefaultCmd())
	t.AddCommand(templateCompareCmd())
	t.AddCommand(templateNewVersionCmd())
	return t
}

// parsePhaseSpec parses "order:name[:type,type]" flag values.
func parsePhaseSpec(raw string) (engine.TemplatePhaseSpec, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 {
		return engine.TemplatePhaseSpec{}, fmt.Errorf("invalid phase %q; expected order:name[:artifact-types]", raw)
	}
	order, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return engine.TemplatePhaseSpec{}, fmt.Errorf("invalid phase order in %q", raw)
	}
	spec := engine.TemplatePhaseSpec{Name: strings.TrimSpace(parts[1]), Order: order}
	if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
		for _, at := range strings.Split(parts[2], ",") {
			spec.MandatoryArtifacts = append(spec.MandatoryArtifacts, strings.TrimSpace(at))
		}
	}
	return spec, nil
}

func templateCreateCmd() *cobra.Command {
	var name, description, version, configuration string
	var phaseFlags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			phases := make([]engine.TemplatePhaseSpec, 0, len(phaseFlags))
			for _, raw := range phaseFlags {
				spec, err := parsePhaseSpec(raw)
				if err != nil {
					return err
				}
				phases = append(phases, spec)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTemplate(ctx, engine.TemplateCreateOptions{
					Name:          name,
					Description:   description,
					Version:       version,
					Configuration: configuration,
					Phases:        phases,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "template name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&version, "version", "1", "version")
	cmd.Flags().StringVar(&configuration, "configuration", "", "template configuration as a JSON document")
	cmd.Flags().StringArrayVar(&phaseFlags, "phase", []string{}, "phase as order:name[:artifact-types] (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func templateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Version", "Default", "Created"})
				for _, t := range items {
					def := ""
					if t.IsDefault {
						def = "*"
					}
					tw.AppendRow(table.Row{t.ID, t.Name, t.Version, def, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func templateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <template-id>",
		Short: "Show a template with its phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTemplate(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func templateSetDefaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-default <template-id>",
		Short: "Promote a template to instance default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetDefaultTemplate(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func templateCompareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare <template-id> <other-id>",
		Short: "Diff two templates",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id1, err := parseID(args[0])
			if err != nil {
				return err
			}
			id2, err := parseID(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				diffs, err := e.CompareTemplates(ctx, id1, id2)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(diffs)
				}
				if len(diffs) == 0 {
					fmt.Println("templates are identical")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Field", args[0], args[1]})
				for _, d := range diffs {
					tw.AppendRow(table.Row{d.Field, d.Value1, d.Value2})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func templateNewVersionCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "new-version <template-id>",
		Short: "Clone a template under a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTemplateVersion(ctx, id, version, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "new version string")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

// --- project ---

func projectCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
		Long:  "Projects are created empty (status created), gain phases when a template is applied (status active), and end via the closure checklist or an archived siding. Closed is terminal.",
	}
	p.AddCommand(projectCreateCmd())
	p.AddCommand(projectListCmd())
	p.AddCommand(projectShowCmd())
	p.AddCommand(projectApplyTemplateCmd())
	p.AddCommand(projectArchiveCmd())
	p.AddCommand(projectUnarchiveCmd())
	p.AddCommand(projectDeleteCmd())
	p.AddCommand(projectValidateCmd())
	p.AddCommand(projectCloseCmd())
	p.AddCommand(projectForceCloseCmd())
	return p
}

func projectCreateCmd() *cobra.Command {
	var code, name, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
					Code:        code,
					Name:        name,
					Description: description,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "unique project code")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Name", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Code, p.Name, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (created|active|archived|closed)")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project and its phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, id)
				if err != nil {
					return err
				}
				phases, err := e.Repo.ListPhases(ctx, id)
				if err != nil {
					return err
				}
				out := map[string]any{"project": p, "phases": phases}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project %d: %s (%s) status=%s\n", p.ID, p.Name, p.Code, p.Status)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Order", "Phase", "Status", "Mandatory artifacts"})
				for _, ph := range phases {
					tw.AppendRow(table.Row{ph.ID, ph.Order, ph.Name, ph.Status, strings.Join(ph.MandatoryArtifacts, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectApplyTemplateCmd() *cobra.Command {
	var templateID int64
	cmd := &cobra.Command{
		Use:   "apply-template <project-id>",
		Short: "Instantiate a template onto a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				var p = struct {
					Project any `json:"project"`
					Phases  any `json:"phases"`
				}{}
				if cmd.Flags().Changed("template") {
					proj, phases, err := e.ApplyTemplate(ctx, id, templateID, actorID)
					if err != nil {
						return err
					}
					p.Project, p.Phases = proj, phases
				} else {
					proj, phases, err := e.ApplyDefaultTemplate(ctx, id, actorID)
					if err != nil {
						return err
					}
					p.Project, p.Phases = proj, phases
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&templateID, "template", 0, "template id (defaults to the instance default)")
	return cmd
}

func projectArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <project-id>",
		Short: "Archive an active project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ArchiveProject(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectUnarchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unarchive <project-id>",
		Short: "Bring an archived project back to active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UnarchiveProject(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete an unstarted project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteProject(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
}

func renderChecklist(v engine.ClosureValidation) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Check", "Passed", "Detail"})
	for _, c := range v.Checks {
		passed := "no"
		if c.Passed {
			passed = "yes"
		}
		tw.AppendRow(table.Row{c.Name, passed, c.Detail})
	}
	tw.Render()
	if v.IsValid {
		fmt.Println("project is ready to close")
	} else {
		fmt.Println("project is NOT ready to close")
	}
}

func projectValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <project-id>",
		Short: "Run the closure checklist without closing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ValidateClosure(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				renderChecklist(v)
				return nil
			})
		},
	}
}

func projectCloseCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "close <project-id>",
		Short: "Close a project (checklist enforced)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CloseProject(ctx, id, engine.ProjectCloseOptions{
					ActorID: viper.GetString("actor-id"),
					Notes:   notes,
				})
				var blocked engine.ClosureBlockedError
				if errors.As(err, &blocked) && !viper.GetBool("json") {
					fmt.Println("closure blocked:")
					for _, c := range blocked.Failed {
						fmt.Printf("  %s: %s\n", c.Name, c.Detail)
					}
					return err
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "closure notes")
	return cmd
}

func projectForceCloseCmd() *cobra.Command {
	var notes, justification string
	cmd := &cobra.Command{
		Use:   "force-close <project-id>",
		Short: "Close a project bypassing the checklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ForceCloseProject(ctx, id, engine.ProjectCloseOptions{
					ActorID:       viper.GetString("actor-id"),
					Notes:         notes,
					Justification: justification,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "closure notes")
	cmd.Flags().StringVar(&justification, "justification", "", "why the checklist is being bypassed")
	_ = cmd.MarkFlagRequired("justification")
	return cmd
}

// --- phase ---

func phaseCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "phase",
		Short: "Manage project phases",
	}
	p.AddCommand(phaseStartCmd())
	p.AddCommand(phaseCompleteCmd())
	return p
}

func phaseStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <phase-id>",
		Short: "Move a phase to in_progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ph, err := e.SetPhaseStatus(ctx, id, "in_progress", viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
}

func phaseCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <phase-id>",
		Short: "Move a phase to completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ph, err := e.SetPhaseStatus(ctx, id, "completed", viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
}

// --- artifact ---

func artifactCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "artifact",
		Short: "Manage phase artifacts",
		Long:  "Artifacts are the deliverables of a phase. Submitting versions builds an append-only history; a bound workflow walks the artifact through review to approval.",
	}
	a.AddCommand(artifactAddCmd())
	a.AddCommand(artifactSubmitCmd())
	a.AddCommand(artifactAdvanceCmd())
	a.AddCommand(artifactCompleteCmd())
	a.AddCommand(artifactRebindCmd())
	a.AddCommand(artifactVersionsCmd())
	return a
}

func artifactAddCmd() *cobra.Command {
	var phaseID, workflowID int64
	var artifactType, name string
	var mandatory bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an artifact under a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateArtifact(ctx, engine.ArtifactCreateOptions{
					PhaseID:     phaseID,
					Type:        artifactType,
					Name:        name,
					IsMandatory: mandatory,
					WorkflowID:  workflowID,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Int64Var(&phaseID, "phase", 0, "phase id")
	cmd.Flags().StringVar(&artifactType, "type", "", "artifact type from the catalog")
	cmd.Flags().StringVar(&name, "name", "", "artifact name")
	cmd.Flags().BoolVar(&mandatory, "mandatory", false, "counts toward the closure checklist")
	cmd.Flags().Int64Var(&workflowID, "workflow", 0, "review workflow to bind")
	_ = cmd.MarkFlagRequired("phase")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func artifactSubmitCmd() *cobra.Command {
	var contentRef string
	cmd := &cobra.Command{
		Use:   "submit-version <artifact-id>",
		Short: "Append the next artifact version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.AddArtifactVersion(ctx, id, viper.GetString("actor-id"), contentRef)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&contentRef, "content-ref", "", "reference to the version content")
	return cmd
}

func artifactAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <artifact-id>",
		Short: "Advance the artifact one workflow step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AdvanceArtifact(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func artifactCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <artifact-id>",
		Short: "Approve the artifact at the last workflow step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CompleteArtifact(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func artifactRebindCmd() *cobra.Command {
	var workflowID int64
	cmd := &cobra.Command{
		Use:   "rebind <artifact-id>",
		Short: "Rebind a pending artifact to another workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RebindWorkflow(ctx, id, workflowID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Int64Var(&workflowID, "workflow", 0, "workflow id")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func artifactVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <artifact-id>",
		Short: "List artifact versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListArtifactVersions(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

// --- workflow ---

func workflowCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "workflow",
		Short: "Manage review workflows",
	}
	w.AddCommand(workflowCreateCmd())
	w.AddCommand(workflowListCmd())
	w.AddCommand(workflowShowCmd())
	return w
}

func workflowCreateCmd() *cobra.Command {
	var name string
	var stepFlags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := make([]engine.WorkflowStepSpec, 0, len(stepFlags))
			for _, raw := range stepFlags {
				parts := strings.SplitN(raw, ":", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid step %q; expected order:name", raw)
				}
				order, err := strconv.Atoi(strings.TrimSpace(parts[0]))
				if err != nil {
					return fmt.Errorf("invalid step order in %q", raw)
				}
				steps = append(steps, engine.WorkflowStepSpec{Name: strings.TrimSpace(parts[1]), Order: order})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkflow(ctx, engine.WorkflowCreateOptions{
					Name:    name,
					Steps:   steps,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "workflow name")
	cmd.Flags().StringArrayVar(&stepFlags, "step", []string{}, "step as order:name (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func workflowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkflows(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWorkflow(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

// --- defect ---

func defectCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "defect",
		Short: "Manage defects",
		Long:  "Defects flow new -> assigned -> fixed -> closed, with reopen from fixed back to assigned. Open high/critical defects block project closure.",
	}
	d.AddCommand(defectCreateCmd())
	d.AddCommand(defectAssignCmd())
	d.AddCommand(defectStatusCmd())
	d.AddCommand(defectListCmd())
	return d
}

func defectCreateCmd() *cobra.Command {
	var projectID, artifactID int64
	var title, severity string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Report a defect",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDefect(ctx, engine.DefectCreateOptions{
					ProjectID:  projectID,
					ArtifactID: artifactID,
					Title:      title,
					Severity:   severity,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().Int64Var(&artifactID, "artifact", 0, "related artifact id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&severity, "severity", "medium", "low|medium|high|critical")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func defectAssignCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "assign <defect-id>",
		Short: "Assign a defect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.UpdateDefect(ctx, id, engine.DefectUpdateOptions{
					Status:     "assigned",
					AssigneeID: assignee,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee actor id")
	_ = cmd.MarkFlagRequired("assignee")
	return cmd
}

func defectStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <defect-id>",
		Short: "Move defect status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.UpdateDefect(ctx, id, engine.DefectUpdateOptions{
					Status:  status,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "assigned|fixed|closed")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func defectListCmd() *cobra.Command {
	var f repo.DefectFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List defects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDefects(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Severity", "Status", "Assignee"})
				for _, d := range items {
					assignee := ""
					if d.AssigneeID != nil {
						assignee = *d.AssigneeID
					}
					tw.AppendRow(table.Row{d.ID, d.Title, d.Severity, d.Status, assignee})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.ProjectID, "project", 0, "project id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Severity, "severity", "", "severity filter")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// --- task / iteration ---

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Manage tracked tasks",
	}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskDoneCmd())
	t.AddCommand(taskListCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var projectID, phaseID, iterationID int64
	var title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task under a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					ProjectID:   projectID,
					PhaseID:     phaseID,
					IterationID: iterationID,
					Title:       title,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().Int64Var(&phaseID, "phase", 0, "phase id")
	cmd.Flags().Int64Var(&iterationID, "iteration", 0, "iteration id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("phase")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskDoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done <task-id>",
		Short: "Complete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var projectID, phaseID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTasks(ctx, projectID, phaseID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Phase", "Title", "Status"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.PhaseID, t.Title, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().Int64Var(&phaseID, "phase", 0, "phase filter")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func iterationCmd() *cobra.Command {
	it := &cobra.Command{
		Use:   "iteration",
		Short: "Manage iterations",
	}
	it.AddCommand(iterationCreateCmd())
	it.AddCommand(iterationListCmd())
	return it
}

func iterationCreateCmd() *cobra.Command {
	var projectID int64
	var name, start, end string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an iteration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.CreateIteration(ctx, engine.IterationCreateOptions{
					ProjectID: projectID,
					Name:      name,
					StartDate: start,
					EndDate:   end,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().StringVar(&name, "name", "", "iteration name")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "end date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func iterationListCmd() *cobra.Command {
	var projectID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List iterations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListIterations(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// --- progress ---

func progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <project-id>",
		Short: "Show the project progress rollup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pr, err := e.Progress(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pr)
				}
				fmt.Printf("Project %d: %d%% complete\n", pr.ProjectID, pr.PercentageCompleted)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Order", "Phase", "Status", "Tasks", "Done", "%"})
				for _, ph := range pr.Phases {
					tw.AppendRow(table.Row{ph.Order, ph.Name, ph.Status, ph.TotalTasks, ph.CompletedTasks, ph.PercentageCompleted})
				}
				tw.Render()
				if len(pr.RecentIterations) > 0 {
					fmt.Println("Recent iterations:")
					for _, it := range pr.RecentIterations {
						fmt.Printf("  %s: %d%% (%d/%d tasks)\n", it.Name, it.PercentageCompleted, it.CompletedTasks, it.TotalTasks)
					}
				}
				return nil
			})
		},
	}
}

// --- log ---

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Inspect the audit log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID int64
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, repo.EventFilters{
					ProjectID:  projectID,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&projectID, "project", 0, "project filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Manage instance configuration",
	}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var instanceName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default phaseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(instanceName)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&instanceName, "name", "phaseline", "instance name")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate phaseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- rbac ---

func rbacCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "rbac",
		Short: "Manage roles and permissions",
	}
	r.AddCommand(rbacGrantCmd())
	r.AddCommand(rbacRevokeCmd())
	r.AddCommand(rbacBootstrapCmd())
	return r
}

func rbacGrantCmd() *cobra.Command {
	var actor, role string
	var projectID int64
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Assign a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureActor(ctx, tx, actor, time.Now().UTC().Format(time.RFC3339)); err != nil {
					return err
				}
				if err := r.AssignRole(ctx, tx, projectID, actor, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id (owner|reviewer|member)")
	cmd.Flags().Int64Var(&projectID, "project", repo.InstanceScope, "project id (0 = instance-wide)")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var actor, role string
	var projectID int64
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.RevokeRole(ctx, tx, projectID, actor, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	cmd.Flags().Int64Var(&projectID, "project", repo.InstanceScope, "project id (0 = instance-wide)")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacBootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Grant the calling actor instance-wide owner (first run)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return app.Bootstrap(ctx, r, viper.GetString("actor-id"))
			})
		},
	}
}

// --- apikey ---

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	a.AddCommand(apikeyCreateCmd())
	a.AddCommand(apikeyListCmd())
	a.AddCommand(apikeyDeleteCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw, key, err := newAPIKey(ctx, r, actor, name)
				if err != nil {
					return err
				}
				out := map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": raw}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := app.ResolveConfig(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("PHASELINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("PHASELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Phaseline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := app.ResolveConfig(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newAPIKey(ctx context.Context, r repo.Repo, actorID, name string) (string, domain.APIKey, error) {
	rawKey := uuid.NewString() + uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(rawKey),
		CreatedAt: now,
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := r.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return rawKey, key, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
