package cmd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/jobapi"
)

type submitOptions struct {
	fields []string
	files  []string
	inline bool
	yes    bool
}

func newSubmitCmd() *cobra.Command {
	opts := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job and follow its progress",
		Example: `  jobstream submit --field region=north --file input=./network.zip
  jobstream submit --inline --plain --yes --file input=./network.zip`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationPresenter: ""},
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			payload, err := opts.payload()
			if err != nil {
				return err
			}
			jobID, err := a.Controller().Submit(cmd.Context(), payload)
			if err != nil {
				return err
			}
			a.Logger().Info("job submitted", zap.String("job_id", jobID), zap.Int("files", len(payload.Files)))
			return present(cmd, rt, a, "Submitting job", opts.yes)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&opts.fields, "field", nil, "form field as key=value (repeatable)")
	flags.StringArrayVar(&opts.files, "file", nil, "file to upload as field=path (repeatable)")
	flags.BoolVar(&opts.inline, "inline", false, "stream progress from the submission request itself")
	flags.BoolVar(&opts.yes, "yes", false, "in plain mode, resubmit when the server reports high deletions")
	return cmd
}

func (o *submitOptions) payload() (jobapi.Payload, error) {
	p := jobapi.Payload{Fields: url.Values{}}
	for _, f := range o.fields {
		k, v, err := splitPair(f)
		if err != nil {
			return p, fmt.Errorf("--field: %w", err)
		}
		p.Fields.Add(k, v)
	}
	for _, f := range o.files {
		field, path, err := splitPair(f)
		if err != nil {
			return p, fmt.Errorf("--file: %w", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return p, fmt.Errorf("read %s: %w", path, err)
		}
		p.Files = append(p.Files, jobapi.File{Field: field, Name: filepath.Base(path), Data: data})
	}
	return p, nil
}

func splitPair(s string) (string, string, error) {
	k, v, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return "", "", fmt.Errorf("expected key=value, got %q", s)
	}
	return strings.TrimSpace(k), v, nil
}
