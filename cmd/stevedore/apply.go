package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/packdock/stevedore/pkg/client"
	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/types"
)

// resource is one YAML document in a manifest file.
type resource struct {
	APIVersion string    `yaml:"apiVersion"`
	Kind       string    `yaml:"kind"`
	Metadata   metadata  `yaml:"metadata"`
	Spec       yaml.Node `yaml:"spec"`
}

type metadata struct {
	Name      string            `yaml:"name"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`
}

type packSpec struct {
	Version     string            `yaml:"version"`
	Runtime     string            `yaml:"runtime"`
	BundleRef   string            `yaml:"bundleRef"`
	Visibility  string            `yaml:"visibility"`
	Description string            `yaml:"description"`
	Metadata    map[string]string `yaml:"metadata"`
}

type workloadSpec struct {
	Pack          string      `yaml:"pack"`
	Version       string      `yaml:"version"`
	FollowLatest  bool        `yaml:"followLatest"`
	Replicas      int         `yaml:"replicas"`
	PriorityClass string      `yaml:"priorityClass"`
	Template      podTemplate `yaml:"template"`
}

type podTemplate struct {
	Labels       map[string]string `yaml:"labels"`
	Annotations  map[string]string `yaml:"annotations"`
	NodeSelector map[string]string `yaml:"nodeSelector"`
	Tolerations  []toleration      `yaml:"tolerations"`
	Requests     resources         `yaml:"requests"`
	Limits       resources         `yaml:"limits"`
}

type toleration struct {
	Key      string `yaml:"key"`
	Operator string `yaml:"operator"`
	Value    string `yaml:"value"`
	Effect   string `yaml:"effect"`
}

type resources struct {
	CPUMillis    int64 `yaml:"cpuMillis"`
	MemoryBytes  int64 `yaml:"memoryBytes"`
	StorageBytes int64 `yaml:"storageBytes"`
}

type priorityClassSpec struct {
	Value int `yaml:"value"`
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply resources from a YAML manifest",
	Long: `Apply one or more resources declared in a YAML file. Supported
kinds: Namespace, Pack, Workload, PriorityClass. Multiple documents in
one file are applied in order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		serverAddr, _ := cmd.Flags().GetString("server")
		if file == "" {
			return errdefs.Validation("--file is required")
		}

		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("open manifest: %w", err)
		}
		defer f.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c := client.New(serverAddr)

		dec := yaml.NewDecoder(f)
		applied := 0
		for {
			var res resource
			if err := dec.Decode(&res); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return fmt.Errorf("parse manifest: %w", err)
			}
			if res.Kind == "" {
				continue
			}
			if err := applyResource(ctx, c, &res); err != nil {
				return fmt.Errorf("apply %s %q: %w", res.Kind, res.Metadata.Name, err)
			}
			applied++
		}
		fmt.Printf("✓ Applied %d resource(s)\n", applied)
		return nil
	},
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "Manifest file to apply")
	applyCmd.Flags().String("server", "localhost:7421", "Control plane admin address")
}

func applyResource(ctx context.Context, c *client.Client, res *resource) error {
	if res.Metadata.Name == "" {
		return errdefs.Validation("metadata.name is required")
	}

	switch res.Kind {
	case "Namespace":
		_, err := c.CreateNamespace(ctx, res.Metadata.Name)
		if errors.Is(err, errdefs.ErrConflict) {
			fmt.Printf("  namespace/%s unchanged\n", res.Metadata.Name)
			return nil
		}
		if err == nil {
			fmt.Printf("  namespace/%s created\n", res.Metadata.Name)
		}
		return err

	case "Pack":
		var spec packSpec
		if err := res.Spec.Decode(&spec); err != nil {
			return errdefs.Validation("decode pack spec: %v", err)
		}
		pack := &types.Pack{
			Name:        res.Metadata.Name,
			Version:     spec.Version,
			Runtime:     types.RuntimeKind(spec.Runtime),
			BundleRef:   spec.BundleRef,
			Visibility:  types.PackVisibility(spec.Visibility),
			Description: spec.Description,
			Metadata:    spec.Metadata,
		}
		created, err := c.CreatePack(ctx, pack)
		if err != nil {
			return err
		}
		fmt.Printf("  pack/%s@%s created\n", created.Name, created.Version)
		return nil

	case "Workload":
		var spec workloadSpec
		if err := res.Spec.Decode(&spec); err != nil {
			return errdefs.Validation("decode workload spec: %v", err)
		}
		workload := &types.Workload{
			Name:          res.Metadata.Name,
			Namespace:     res.Metadata.Namespace,
			PackName:      spec.Pack,
			PackVersion:   spec.Version,
			FollowLatest:  spec.FollowLatest,
			Replicas:      spec.Replicas,
			PriorityClass: spec.PriorityClass,
			Template: types.PodTemplate{
				Labels:       spec.Template.Labels,
				Annotations:  spec.Template.Annotations,
				NodeSelector: spec.Template.NodeSelector,
				Tolerations:  convertTolerations(spec.Template.Tolerations),
				Requests:     convertResources(spec.Template.Requests),
				Limits:       convertResources(spec.Template.Limits),
			},
		}
		created, err := c.CreateWorkload(ctx, workload)
		if err != nil {
			return err
		}
		fmt.Printf("  workload/%s created (%d replicas)\n", created.Name, created.Replicas)
		return nil

	case "PriorityClass":
		var spec priorityClassSpec
		if err := res.Spec.Decode(&spec); err != nil {
			return errdefs.Validation("decode priority class spec: %v", err)
		}
		err := c.CreatePriorityClass(ctx, &types.PriorityClass{
			Name:  res.Metadata.Name,
			Value: spec.Value,
		})
		if errors.Is(err, errdefs.ErrConflict) {
			fmt.Printf("  priorityclass/%s unchanged\n", res.Metadata.Name)
			return nil
		}
		if err == nil {
			fmt.Printf("  priorityclass/%s created\n", res.Metadata.Name)
		}
		return err

	default:
		return errdefs.Validation("unsupported kind %q", res.Kind)
	}
}

func convertTolerations(in []toleration) []types.Toleration {
	out := make([]types.Toleration, 0, len(in))
	for _, t := range in {
		out = append(out, types.Toleration{
			Key:      t.Key,
			Operator: types.TolerationOperator(t.Operator),
			Value:    t.Value,
			Effect:   types.TaintEffect(t.Effect),
		})
	}
	return out
}

func convertResources(in resources) types.Resources {
	return types.Resources{
		CPUMillis:    in.CPUMillis,
		MemoryBytes:  in.MemoryBytes,
		StorageBytes: in.StorageBytes,
	}
}
