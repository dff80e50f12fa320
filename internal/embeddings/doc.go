// Package embeddings supplies text embedders for the similarity index.
//
// Three providers are supported: "hash" (the default, local and
// deterministic), "openai" (any OpenAI-compatible /embeddings endpoint) and
// "ollama" (/api/embed). Each returns a vectorstore.Embedder.
package embeddings
