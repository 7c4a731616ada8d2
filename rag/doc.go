// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package rag provides adapters over external knowledge sources consumed by
the integration agent: GitHub repositories and ArXiv papers.

See the sources subpackage for the concrete adapters (sources.GitHubSource,
sources.ArxivSource) and orchestrator.Source for the interface the
orchestrator wraps them with.
*/
package rag
