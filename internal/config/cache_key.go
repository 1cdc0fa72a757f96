package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentSessionKey returns the cache key holding a student's current login session ID
func (r *CacheKeyStruct) StudentSessionKey(studentID int) string {
	return fmt.Sprintf("login:%d", studentID)
}

// AttemptAnswersKey returns the hash holding the freshest answer per question of an attempt
func (r *CacheKeyStruct) AttemptAnswersKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:answers", studentID, examID)
}

// AttemptLeaseKey returns the key of the single-holder lease on a live attempt session
func (r *CacheKeyStruct) AttemptLeaseKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:lease", studentID, examID)
}

// ExamPayloadKey returns the cache key for the student-facing exam payload
func (r *CacheKeyStruct) ExamPayloadKey(examID string) string {
	return fmt.Sprintf("exam:%s:payload", examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()
