package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"order-saga/consumers"
)

// DeadLetterSource exposes the dead letters retained by the process.
type DeadLetterSource interface {
	Recent() []consumers.DeadLetter
}

type DeadLetterController struct {
	letters DeadLetterSource
}

func NewDeadLetterController(letters DeadLetterSource) *DeadLetterController {
	return &DeadLetterController{letters: letters}
}

// HandleDeadLetter lists the most recent dead letters, newest first.
func (ctl *DeadLetterController) HandleDeadLetter(c *gin.Context) {
	defer recordOperation(c, "dead_letter")
	letters := ctl.letters.Recent()
	c.JSON(http.StatusOK, gin.H{"count": len(letters), "dead_letters": letters})
}
