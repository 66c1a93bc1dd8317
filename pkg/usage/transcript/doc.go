// Package transcript adapts execution transcripts into usage records.
//
// Two formats are read. A JSON transcript describes one execution (or an
// array of executions) with "model_invocations" and "tool_calls" sections:
//
//	{
//	  "execution_id": "run-42",
//	  "model_invocations": [
//	    {"model": "gpt-4", "action": "chat", "timestamp": "2025-04-01T12:00:00Z",
//	     "prompt_tokens": 1200, "completion_tokens": 345}
//	  ],
//	  "tool_calls": [
//	    {"tool": "search", "action": "query", "timestamp": "2025-04-01T12:00:02Z"}
//	  ]
//	}
//
// A JSON Lines log (.jsonl or .ndjson) holds one usage record per line in
// the usage.Record encoding.
//
// Sources are lazy and restartable: every call to Records re-reads the
// input from the start.
package transcript
