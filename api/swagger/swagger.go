package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "BeFree Scheduling API",
        "description": "Doctor availability, session booking and realtime presence",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http",
        "https"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "security": [{"BearerAuth": []}],
    "tags": [
        {"name": "Schedules", "description": "Weekly doctor availability"},
        {"name": "Sessions", "description": "Booking and session lifecycle"},
        {"name": "Realtime", "description": "Websocket event stream"}
    ],
    "paths": {
        "/schedules": {
            "post": {
                "tags": ["Schedules"],
                "summary": "Create or replace the caller's weekly schedule",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpsertScheduleRequest"}}
                ],
                "responses": {
                    "200": {"description": "Updated", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation error", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "get": {
                "tags": ["Schedules"],
                "summary": "Get a doctor's schedule",
                "parameters": [
                    {"name": "doctorId", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Schedule not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/schedules/available-times/{doctorId}": {
            "get": {
                "tags": ["Schedules"],
                "summary": "List a doctor's bookable time ranges",
                "parameters": [
                    {"name": "doctorId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Schedule not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sessions/{doctorId}": {
            "post": {
                "tags": ["Sessions"],
                "summary": "Book a session with a doctor",
                "parameters": [
                    {"name": "doctorId", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateSessionRequest"}}
                ],
                "responses": {
                    "201": {"description": "Booked", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Schedule, day or time range not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Time range already taken", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sessions/{sessionId}": {
            "get": {
                "tags": ["Sessions"],
                "summary": "Get a session",
                "parameters": [
                    {"name": "sessionId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Not a participant", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Session not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sessions/{sessionId}/cancel": {
            "patch": {
                "tags": ["Sessions"],
                "summary": "Cancel a session",
                "parameters": [
                    {"name": "sessionId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Canceled", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Only the patient can cancel", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Session is not current", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sessions/{sessionId}/complete": {
            "patch": {
                "tags": ["Sessions"],
                "summary": "Mark a session as completed",
                "parameters": [
                    {"name": "sessionId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Completed", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Not a participant or not current", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sessions/{sessionId}/completed": {
            "get": {
                "tags": ["Sessions"],
                "summary": "Assert a session is completed",
                "parameters": [
                    {"name": "sessionId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Completed", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Session is not completed", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sessions/patient/session/{sessionId}": {
            "patch": {
                "tags": ["Sessions"],
                "summary": "Move a session to another slot of the same doctor",
                "parameters": [
                    {"name": "sessionId", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RescheduleSessionRequest"}}
                ],
                "responses": {
                    "200": {"description": "Rescheduled", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Not allowed", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Time range already taken", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sessions/doctor/all": {
            "get": {
                "tags": ["Sessions"],
                "summary": "List the calling doctor's sessions",
                "parameters": [
                    {"name": "status", "in": "query", "type": "string", "enum": ["current", "completed", "canceled"]},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sessions/doctor/upcoming": {
            "get": {
                "tags": ["Sessions"],
                "summary": "Next current session of the calling doctor",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "No upcoming sessions found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sessions/patient/all": {
            "get": {
                "tags": ["Sessions"],
                "summary": "List the calling patient's sessions",
                "parameters": [
                    {"name": "status", "in": "query", "type": "string", "enum": ["current", "completed", "canceled"]},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/ws": {
            "get": {
                "tags": ["Realtime"],
                "summary": "Open the realtime event stream",
                "parameters": [
                    {"name": "token", "in": "query", "type": "string"}
                ],
                "responses": {
                    "101": {"description": "Switching protocols"},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "TimeRangeInput": {
            "type": "object",
            "properties": {
                "from": {"type": "string", "format": "date-time"},
                "to": {"type": "string", "format": "date-time"}
            }
        },
        "DayInput": {
            "type": "object",
            "properties": {
                "day": {"type": "string", "enum": ["Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"]},
                "timeRanges": {"type": "array", "items": {"$ref": "#/definitions/TimeRangeInput"}}
            }
        },
        "UpsertScheduleRequest": {
            "type": "object",
            "properties": {
                "days": {"type": "array", "minItems": 7, "maxItems": 7, "items": {"$ref": "#/definitions/DayInput"}}
            }
        },
        "CreateSessionRequest": {
            "type": "object",
            "properties": {
                "dayId": {"type": "string"},
                "timeRangeId": {"type": "string"},
                "date": {"type": "string"},
                "numberOfSessions": {"type": "integer", "minimum": 1},
                "duration": {"type": "integer"}
            }
        },
        "RescheduleSessionRequest": {
            "type": "object",
            "properties": {
                "dayId": {"type": "string"},
                "timeRangeId": {"type": "string"}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "limit": {"type": "integer"},
                "total_count": {"type": "integer"},
                "total_pages": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
