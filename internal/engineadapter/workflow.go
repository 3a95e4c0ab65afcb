package engineadapter

import (
	"time"

	"imageforge/internal/jobs"
)

// node is one entry of a ComfyUI-style workflow graph: a class_type plus its
// input values, some of which reference another node's output by
// [node_id, output_index].
type node struct {
	Inputs    map[string]any `json:"inputs"`
	ClassType string         `json:"class_type"`
}

// defaultWorkflow returns the built-in text-to-image graph that BuildWorkflow
// fills in for every job, a literal port of the original service's
// _get_default_workflow (comfyui_client.py) into the engine's JSON shape.
func defaultWorkflow() map[string]node {
	return map[string]node{
		"3": {ClassType: "KSampler", Inputs: map[string]any{
			"seed": 0, "steps": 20, "cfg": 7.0, "sampler_name": "euler",
			"scheduler": "normal", "denoise": 1.0,
			"model": []any{"4", 0}, "positive": []any{"6", 0},
			"negative": []any{"7", 0}, "latent_image": []any{"5", 0},
		}},
		"4": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{
			"ckpt_name": "v1-5-pruned-emaonly.safetensors",
		}},
		"5": {ClassType: "EmptyLatentImage", Inputs: map[string]any{
			"width": 512, "height": 512, "batch_size": 1,
		}},
		"6": {ClassType: "CLIPTextEncode", Inputs: map[string]any{
			"text": "", "clip": []any{"4", 1},
		}},
		"7": {ClassType: "CLIPTextEncode", Inputs: map[string]any{
			"text": "", "clip": []any{"4", 1},
		}},
		"8": {ClassType: "VAEDecode", Inputs: map[string]any{
			"samples": []any{"3", 0}, "vae": []any{"4", 2},
		}},
		"9": {ClassType: "SaveImage", Inputs: map[string]any{
			"filename_prefix": "imageforge", "images": []any{"8", 0},
		}},
	}
}

// samplerNodeNames maps the jobs.Sampler enum onto the engine's sampler_name
// strings. Engine-side naming differs slightly from the API's own enum
// values (spec §6.2's "euler_ancestral" versus the engine's "euler_a").
var samplerNodeNames = map[jobs.Sampler]string{
	jobs.SamplerEulerAncestral: "euler_a",
	jobs.SamplerEuler:          "euler",
	jobs.SamplerDPMPP2M:        "dpmpp_2m",
	jobs.SamplerDDIM:           "ddim",
	jobs.SamplerLMS:            "lms",
}

// BuildWorkflow injects SubmissionParams into the default workflow template,
// generalizing _build_workflow to the full param set accepted by spec §6.2.
func BuildWorkflow(params jobs.SubmissionParams) map[string]node {
	wf := defaultWorkflow()

	seed := params.Seed
	if seed < 0 {
		seed = randomSeed()
	}

	sampler := samplerNodeNames[params.Sampler]
	if sampler == "" {
		sampler = string(params.Sampler)
	}

	sampleNode := wf["3"]
	sampleNode.Inputs["seed"] = seed
	sampleNode.Inputs["steps"] = params.Steps
	sampleNode.Inputs["cfg"] = params.CFGScale
	sampleNode.Inputs["sampler_name"] = sampler
	wf["3"] = sampleNode

	ckptNode := wf["4"]
	ckptNode.Inputs["ckpt_name"] = params.Model
	wf["4"] = ckptNode

	latentNode := wf["5"]
	latentNode.Inputs["width"] = params.Width
	latentNode.Inputs["height"] = params.Height
	latentNode.Inputs["batch_size"] = params.BatchSize
	wf["5"] = latentNode

	positiveNode := wf["6"]
	positiveNode.Inputs["text"] = params.Prompt
	wf["6"] = positiveNode

	negativeNode := wf["7"]
	negativeNode.Inputs["text"] = params.NegativePrompt
	wf["7"] = negativeNode

	return wf
}

// randomSeed is a var so tests can freeze it. It mirrors the original
// service's fallback of deriving a seed from the clock when the caller
// passes seed=-1 (comfyui_client.py's _build_workflow).
var randomSeed = func() int64 {
	return time.Now().UnixNano() % (1 << 32)
}
