package decompose

// systemPrompt frames the model as a planner that only emits JSON.
const systemPrompt = `You are a planning assistant for an autonomous coding orchestrator. You break coarse work items into subtasks that a single coding agent can finish in one session. You answer with JSON only.`

// decompositionPrompt is the prompt template for task decomposition.
// Arguments: task id, title, description, exit criteria list, max subtasks.
const decompositionPrompt = `Break this work item into sequentially or independently executable subtasks.

Work item %s: %s

Description:
%s

Exit criteria:
%s

Return ONLY a JSON array with at most %d entries, using this exact structure (no other text):
[
  {
    "title": "Short subtask title",
    "description": "What the agent must do",
    "exit_criteria": ["Observable condition that proves this subtask is done"],
    "estimated_complexity": 3,
    "depends_on": ["title of a sibling subtask that must finish first"],
    "requires_review": false
  }
]

Guidelines:
- Every exit criterion of the work item must be covered by at least one subtask
- Subtasks should be as independent as possible to allow parallel execution
- Only add dependencies when truly necessary (subtask A must complete before subtask B)
- estimated_complexity is 1 (trivial) to 10 (very large)
- Set requires_review to true only for risky changes such as schema migrations or security-sensitive code
- Use an empty array [] for depends_on if there are no dependencies`
