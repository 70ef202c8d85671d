package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"mlbridge/internal/database"
	"mlbridge/pkg/models"

	"github.com/go-resty/resty/v2"
	"github.com/schollz/progressbar/v3"
)

const usage = `usage: mlbridgectl <command> [flags]

commands:
  submit     submit a fine-tuning job from a YAML descriptor
  runs       list fine-tuning runs
  status     show a fine-tuning or scoring run
  cancel     cancel a fine-tuning run
  env        create an environment from a base image and conda file
  endpoint   create a batch endpoint, optionally with a deployment
  deploy     add a deployment behind an existing endpoint
  score      submit a batch scoring run against an endpoint
  download   download the merged predictions of a completed scoring run

run 'mlbridgectl <command> -h' for the flags of a command
`

func newClient(apiURL string) *resty.Client {
	return resty.New().
		SetBaseURL(apiURL + "/api/v1").
		SetHeader("Accept", "application/json")
}

func apiFlag(fs *flag.FlagSet) *string {
	return fs.String("api", "http://localhost:8001", "base url of the api server")
}

// call sends a request and decodes the response into out. Non-2xx responses
// abort with the server's error text.
func call(client *resty.Client, method, path string, body, out any) {
	req := client.R()
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	res, err := req.Execute(method, path)
	if err != nil {
		log.Fatalf("request failed: %v", err)
	}
	if !res.IsSuccess() {
		log.Fatalf("server returned %d: %s", res.StatusCode(), res.String())
	}

	if out != nil {
		if err := json.Unmarshal(res.Body(), out); err != nil {
			log.Fatalf("failed to parse response: %v", err)
		}
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("failed to render response: %v", err)
	}
	fmt.Println(string(data))
}

func submitCmd(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	apiURL := apiFlag(fs)
	specPath := fs.String("spec", "", "path to the job descriptor YAML (required)")
	fs.Parse(args) //nolint:errcheck

	if *specPath == "" {
		log.Fatal("missing -spec")
	}

	specYAML, err := os.ReadFile(*specPath)
	if err != nil {
		log.Fatalf("failed to read job descriptor %s: %v", *specPath, err)
	}

	var resp models.FinetuneSubmitResponse
	call(newClient(*apiURL), resty.MethodPost, "/finetune", models.FinetuneSubmitRequest{SpecYAML: string(specYAML)}, &resp)
	printJSON(resp)
}

func runsCmd(args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	apiURL := apiFlag(fs)
	status := fs.String("status", "", "filter runs by status, e.g. RUNNING")
	limit := fs.Int("limit", 0, "maximum number of runs to list")
	fs.Parse(args) //nolint:errcheck

	client := newClient(*apiURL)
	req := client.R()
	if *status != "" {
		req.SetQueryParam("status", *status)
	}
	if *limit > 0 {
		req.SetQueryParam("limit", fmt.Sprintf("%d", *limit))
	}

	res, err := req.Get("/finetune")
	if err != nil {
		log.Fatalf("request failed: %v", err)
	}
	if !res.IsSuccess() {
		log.Fatalf("server returned %d: %s", res.StatusCode(), res.String())
	}

	var runs []models.FinetuneRunResponse
	if err := json.Unmarshal(res.Body(), &runs); err != nil {
		log.Fatalf("failed to parse response: %v", err)
	}
	printJSON(runs)
}

func isTerminalStatus(status string) bool {
	switch status {
	case database.StatusCompleted, database.StatusFailed, database.StatusCanceled:
		return true
	}
	return false
}

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	apiURL := apiFlag(fs)
	runId := fs.String("run", "", "run id (required)")
	scoring := fs.Bool("scoring", false, "look up a scoring run instead of a fine-tuning run")
	watch := fs.Bool("watch", false, "poll until the run reaches a terminal status")
	interval := fs.Duration("interval", 10*time.Second, "poll interval used with -watch")
	fs.Parse(args) //nolint:errcheck

	if *runId == "" {
		log.Fatal("missing -run")
	}

	client := newClient(*apiURL)
	path := "/finetune/" + *runId
	if *scoring {
		path = "/score/" + *runId
	}

	fetch := func() (string, any) {
		if *scoring {
			var resp models.ScoringRunResponse
			call(client, resty.MethodGet, path, nil, &resp)
			return resp.Status, resp
		}
		var resp models.FinetuneRunResponse
		call(client, resty.MethodGet, path, nil, &resp)
		return resp.Status, resp
	}

	if !*watch {
		_, resp := fetch()
		printJSON(resp)
		return
	}

	last := ""
	for {
		status, resp := fetch()
		if status != last {
			last = status
			fmt.Println("status:", status)
		}
		if isTerminalStatus(status) {
			printJSON(resp)
			return
		}
		time.Sleep(*interval)
	}
}

func cancelCmd(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	apiURL := apiFlag(fs)
	runId := fs.String("run", "", "run id (required)")
	fs.Parse(args) //nolint:errcheck

	if *runId == "" {
		log.Fatal("missing -run")
	}

	call(newClient(*apiURL), resty.MethodPost, "/finetune/"+*runId+"/cancel", nil, nil)
	fmt.Println("canceled")
}

func envCmd(args []string) {
	fs := flag.NewFlagSet("env", flag.ExitOnError)
	apiURL := apiFlag(fs)
	name := fs.String("name", "", "environment name (required)")
	baseImage := fs.String("base-image", "", "base container image (required)")
	condaPath := fs.String("conda", "", "path to a conda environment file")
	fs.Parse(args) //nolint:errcheck

	if *name == "" || *baseImage == "" {
		log.Fatal("missing -name or -base-image")
	}

	req := models.EnvironmentRequest{Name: *name, BaseImage: *baseImage}
	if *condaPath != "" {
		condaYAML, err := os.ReadFile(*condaPath)
		if err != nil {
			log.Fatalf("failed to read conda file %s: %v", *condaPath, err)
		}
		req.CondaYAML = string(condaYAML)
	}

	var resp models.EnvironmentResponse
	call(newClient(*apiURL), resty.MethodPost, "/environments", req, &resp)
	printJSON(resp)
}

func endpointCmd(args []string) {
	fs := flag.NewFlagSet("endpoint", flag.ExitOnError)
	apiURL := apiFlag(fs)
	name := fs.String("name", "", "endpoint name (required)")
	description := fs.String("description", "", "endpoint description")
	deploymentPath := fs.String("deployment", "", "path to a deployment descriptor YAML")
	fs.Parse(args) //nolint:errcheck

	if *name == "" {
		log.Fatal("missing -name")
	}

	req := models.EndpointRequest{Name: *name, Description: *description}
	if *deploymentPath != "" {
		deploymentYAML, err := os.ReadFile(*deploymentPath)
		if err != nil {
			log.Fatalf("failed to read deployment descriptor %s: %v", *deploymentPath, err)
		}
		req.DeploymentYAML = string(deploymentYAML)
	}

	var resp models.EndpointResponse
	call(newClient(*apiURL), resty.MethodPost, "/endpoints", req, &resp)
	printJSON(resp)
}

func deployCmd(args []string) {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	apiURL := apiFlag(fs)
	endpoint := fs.String("endpoint", "", "endpoint name (required)")
	deploymentPath := fs.String("deployment", "", "path to a deployment descriptor YAML (required)")
	fs.Parse(args) //nolint:errcheck

	if *endpoint == "" || *deploymentPath == "" {
		log.Fatal("missing -endpoint or -deployment")
	}

	deploymentYAML, err := os.ReadFile(*deploymentPath)
	if err != nil {
		log.Fatalf("failed to read deployment descriptor %s: %v", *deploymentPath, err)
	}

	var resp models.DeploymentResponse
	call(newClient(*apiURL), resty.MethodPost, "/endpoints/"+*endpoint+"/deployments", models.DeploymentRequest{
		DeploymentYAML: string(deploymentYAML),
	}, &resp)
	printJSON(resp)
}

func scoreCmd(args []string) {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	apiURL := apiFlag(fs)
	endpoint := fs.String("endpoint", "", "endpoint name (required)")
	source := fs.String("source", "", "source csv uri, e.g. s3://datasets/images/input.csv (required)")
	deployment := fs.String("deployment", "", "deployment name, defaults to the endpoint's default")
	chunkSize := fs.Int("chunk-size", 0, "rows per input chunk, defaults to 10")
	fs.Parse(args) //nolint:errcheck

	if *endpoint == "" || *source == "" {
		log.Fatal("missing -endpoint or -source")
	}

	req := models.ScoreRequest{
		DeploymentName: *deployment,
		SourceURI:      *source,
		ChunkSize:      *chunkSize,
	}

	var resp models.ScoreSubmitResponse
	call(newClient(*apiURL), resty.MethodPost, "/endpoints/"+*endpoint+"/score", req, &resp)
	printJSON(resp)
}

func downloadCmd(args []string) {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	apiURL := apiFlag(fs)
	runId := fs.String("run", "", "scoring run id (required)")
	output := fs.String("output", "predictions.csv", "output file path")
	fs.Parse(args) //nolint:errcheck

	if *runId == "" {
		log.Fatal("missing -run")
	}

	client := newClient(*apiURL)
	res, err := client.R().SetDoNotParseResponse(true).Get("/score/" + *runId + "/predictions")
	if err != nil {
		log.Fatalf("request failed: %v", err)
	}
	body := res.RawBody()
	defer body.Close()

	if !res.IsSuccess() {
		text, _ := io.ReadAll(body)
		log.Fatalf("server returned %d: %s", res.StatusCode(), string(text))
	}

	file, err := os.Create(*output)
	if err != nil {
		log.Fatalf("failed to create output file %s: %v", *output, err)
	}
	defer file.Close()

	bar := progressbar.DefaultBytes(res.RawResponse.ContentLength, "downloading")
	if _, err := io.Copy(io.MultiWriter(file, bar), body); err != nil {
		log.Fatalf("failed to download predictions: %v", err)
	}

	fmt.Printf("\nwrote %s\n", *output)
}

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "submit":
		submitCmd(args)
	case "runs":
		runsCmd(args)
	case "status":
		statusCmd(args)
	case "cancel":
		cancelCmd(args)
	case "env":
		envCmd(args)
	case "endpoint":
		endpointCmd(args)
	case "deploy":
		deployCmd(args)
	case "score":
		scoreCmd(args)
	case "download":
		downloadCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}
