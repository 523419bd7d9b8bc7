package main

import (
	"fmt"
	"net/http"
)

func handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	fmt.Fprint(w, openAPISpec)
}

const openAPISpec = `{
  "openapi": "3.0.3",
  "info": {
    "title": "Agent Inbox Protocol",
    "description": "Signed task submission between autonomous agents. Requests carry an Ed25519 signature over a canonical JSON form, a single-use nonce and a timestamp. Completed tasks produce a signed receipt that binds the result hash and optional payment proof.",
    "version": "0.1.0"
  },
  "tags": [
    {"name": "Discovery", "description": "Manifest and node information"},
    {"name": "Tasks", "description": "Submission and status lookup"},
    {"name": "Operator", "description": "Task transitions, operator credentials required"},
    {"name": "Reputation", "description": "Signed completion receipts"},
    {"name": "Real-Time", "description": "WebSocket task lifecycle feed"}
  ],
  "paths": {
    "/": {
      "get": {
        "tags": ["Discovery"],
        "summary": "Landing document",
        "responses": {"200": {"description": "Node name, agent id and endpoint list"}}
      }
    },
    "/.well-known/agent.json": {
      "get": {
        "tags": ["Discovery"],
        "summary": "Agent manifest",
        "responses": {
          "200": {
            "description": "Manifest",
            "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Manifest"}}}
          }
        }
      }
    },
    "/manifest": {
      "get": {
        "tags": ["Discovery"],
        "summary": "Agent manifest (alias)",
        "responses": {
          "200": {
            "description": "Manifest",
            "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Manifest"}}}
          }
        }
      }
    },
    "/health": {
      "get": {
        "tags": ["Discovery"],
        "summary": "Liveness and task counts",
        "responses": {"200": {"description": "Status, uptime and counts by task status"}}
      }
    },
    "/pricing": {
      "get": {
        "tags": ["Discovery"],
        "summary": "Prices, spam bond and rate limits",
        "responses": {"200": {"description": "Pricing document"}}
      }
    },
    "/openapi.json": {
      "get": {
        "tags": ["Discovery"],
        "summary": "This document",
        "responses": {"200": {"description": "OpenAPI 3 document"}}
      }
    },
    "/inbox": {
      "post": {
        "tags": ["Tasks"],
        "summary": "Submit a signed task request",
        "parameters": [
          {"name": "X-Payment-Hash", "in": "header", "required": false, "schema": {"type": "string"}, "description": "Hash of a paid spam bond invoice"},
          {"name": "payment_hash", "in": "query", "required": false, "schema": {"type": "string"}}
        ],
        "requestBody": {
          "required": true,
          "content": {"application/json": {"schema": {"$ref": "#/components/schemas/TaskRequest"}}}
        },
        "responses": {
          "201": {"description": "Accepted", "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Accepted"}}}},
          "400": {"description": "missing_fields, invalid_nonce or invalid_request", "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Error"}}}},
          "401": {"description": "invalid_signature", "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Error"}}}},
          "402": {"description": "payment_required: spam bond invoice attached"},
          "404": {"description": "capability_not_found, includes the supported list", "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Error"}}}},
          "409": {"description": "duplicate_task", "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Error"}}}},
          "429": {"description": "rate_limited", "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Error"}}}},
          "503": {"description": "payment_unavailable"}
        }
      }
    },
    "/tasks": {
      "get": {
        "tags": ["Tasks"],
        "summary": "List tasks, newest first",
        "parameters": [
          {"name": "status", "in": "query", "required": false, "schema": {"type": "string", "enum": ["pending", "completed", "rejected"]}},
          {"name": "limit", "in": "query", "required": false, "schema": {"type": "integer", "default": 50, "maximum": 500}}
        ],
        "responses": {"200": {"description": "Task summaries with descriptions truncated to 100 characters"}}
      }
    },
    "/tasks/{id}/status": {
      "get": {
        "tags": ["Tasks"],
        "summary": "Task status; result and receipt once completed",
        "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {
          "200": {"description": "Status view"},
          "404": {"description": "not_found", "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Error"}}}}
        }
      }
    },
    "/tasks/{id}/complete": {
      "post": {
        "tags": ["Operator"],
        "summary": "Complete a pending task and issue a receipt",
        "security": [{"operatorToken": []}],
        "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}],
        "requestBody": {
          "required": true,
          "content": {
            "application/json": {
              "schema": {
                "type": "object",
                "required": ["result"],
                "properties": {
                  "result": {"description": "Any JSON value"},
                  "payment_proof": {"type": "string"}
                }
              }
            }
          }
        },
        "responses": {
          "200": {"description": "Completed, receipt attached"},
          "400": {"description": "missing_result"},
          "401": {"description": "unauthorized"},
          "404": {"description": "not_found"},
          "409": {"description": "invalid_state: task already completed or rejected"}
        }
      }
    },
    "/tasks/{id}/reject": {
      "post": {
        "tags": ["Operator"],
        "summary": "Reject a pending task",
        "security": [{"operatorToken": []}],
        "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}],
        "requestBody": {
          "required": false,
          "content": {"application/json": {"schema": {"type": "object", "properties": {"reason": {"type": "string"}}}}}
        },
        "responses": {
          "200": {"description": "Rejected"},
          "401": {"description": "unauthorized"},
          "404": {"description": "not_found"},
          "409": {"description": "invalid_state"}
        }
      }
    },
    "/receipts": {
      "get": {
        "tags": ["Reputation"],
        "summary": "Query receipts, newest completion first",
        "parameters": [
          {"name": "agent_id", "in": "query", "required": false, "schema": {"type": "string"}},
          {"name": "task_type", "in": "query", "required": false, "schema": {"type": "string"}},
          {"name": "limit", "in": "query", "required": false, "schema": {"type": "integer", "default": 50, "maximum": 500}}
        ],
        "responses": {"200": {"description": "Receipts and count"}}
      }
    },
    "/ws/tasks": {
      "get": {
        "tags": ["Real-Time"],
        "summary": "WebSocket feed of task lifecycle events",
        "description": "Without an Upgrade header returns endpoint documentation. Messages are {\"type\":\"task\",\"event\":\"submitted|completed|rejected\",\"task\":{...}}.",
        "responses": {"101": {"description": "Switching protocols"}, "200": {"description": "Endpoint documentation"}}
      }
    }
  },
  "components": {
    "securitySchemes": {
      "operatorToken": {"type": "http", "scheme": "bearer"}
    },
    "schemas": {
      "TaskRequest": {
        "type": "object",
        "required": ["task_id", "requester_id", "task_type", "description", "nonce", "timestamp", "signature"],
        "properties": {
          "task_id": {"type": "string"},
          "requester_id": {"type": "string", "description": "Hex Ed25519 public key"},
          "task_type": {"type": "string", "example": "code.review"},
          "description": {"type": "string"},
          "params": {"type": "object"},
          "payment_offer": {
            "type": "object",
            "properties": {"amount": {"type": "number"}, "currency": {"type": "string"}, "rail": {"type": "string"}}
          },
          "callback_url": {"type": "string", "format": "uri"},
          "deadline": {"type": "string", "format": "date-time"},
          "nonce": {"type": "string"},
          "timestamp": {"type": "string", "format": "date-time"},
          "signature": {"type": "string", "description": "Hex Ed25519 signature over the canonical request without signature"}
        }
      },
      "Accepted": {
        "type": "object",
        "properties": {
          "status": {"type": "string", "example": "accepted"},
          "task_id": {"type": "string"},
          "status_url": {"type": "string"}
        }
      },
      "Receipt": {
        "type": "object",
        "properties": {
          "task_id": {"type": "string"},
          "requester_id": {"type": "string"},
          "agent_id": {"type": "string"},
          "task_type": {"type": "string"},
          "completion_timestamp": {"type": "string", "format": "date-time"},
          "result_hash": {"type": "string", "description": "SHA-256 hex of the canonical result"},
          "payment_proof": {"type": "string"},
          "agent_signature": {"type": "string"},
          "requester_signature": {"type": "string"}
        }
      },
      "Manifest": {
        "type": "object",
        "properties": {
          "protocol": {"type": "string", "example": "aip"},
          "version": {"type": "string"},
          "agent_id": {"type": "string"},
          "name": {"type": "string"},
          "capabilities": {"type": "array", "items": {"type": "object", "properties": {"type": {"type": "string"}, "description": {"type": "string"}}}},
          "pricing": {"type": "object"},
          "payment_methods": {"type": "array", "items": {"type": "string"}},
          "inbox_url": {"type": "string"},
          "relays": {"type": "array", "items": {"type": "string"}},
          "spam_bond": {"type": "object"}
        }
      },
      "Error": {
        "type": "object",
        "properties": {
          "error": {"type": "string", "description": "Machine-readable kind"},
          "message": {"type": "string"},
          "supported": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`
