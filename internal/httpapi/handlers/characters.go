package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/velora-ai/companion/internal/character"
	"github.com/velora-ai/companion/internal/common"
)

func (h *Handler) ListCharacters(c *gin.Context) {
	chars, err := h.Characters.List(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"characters": chars})
}

func (h *Handler) GetCharacter(c *gin.Context) {
	ch, err := h.Characters.Get(c.Request.Context(), c.Param("id_or_name"))
	if err != nil {
		h.failCharacterLookup(c, err)
		return
	}
	common.OK(c, gin.H{"character": ch})
}

type characterReq struct {
	Name       string `json:"name"`
	Prompt     string `json:"prompt"`
	Appearance string `json:"character_appearance"`
	Location   string `json:"location"`
}

func (h *Handler) CreateCharacter(c *gin.Context) {
	var req characterReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Name == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "name required")
		return
	}
	ch := character.Character{
		Name:       req.Name,
		Prompt:     req.Prompt,
		Appearance: req.Appearance,
		Location:   req.Location,
	}
	if err := h.Characters.Create(c.Request.Context(), &ch); err != nil {
		common.Fail(c, http.StatusBadRequest, 10005, "failed to create character (name may exist)")
		return
	}
	common.OK(c, gin.H{"character": ch})
}

func (h *Handler) UpdateCharacter(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("character_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid character id")
		return
	}
	ch, err := h.Characters.GetByID(c.Request.Context(), id)
	if err != nil {
		h.failCharacterLookup(c, err)
		return
	}

	var req characterReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Name != "" {
		ch.Name = req.Name
	}
	if req.Prompt != "" {
		ch.Prompt = req.Prompt
	}
	if req.Appearance != "" {
		ch.Appearance = req.Appearance
	}
	if req.Location != "" {
		ch.Location = req.Location
	}
	if err := h.Characters.Update(c.Request.Context(), ch); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"character": ch})
}

func (h *Handler) DeleteCharacter(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("character_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid character id")
		return
	}
	if err := h.Characters.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, character.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "character not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

// ReloadCharacters re-imports the on-disk definition files.
func (h *Handler) ReloadCharacters(c *gin.Context) {
	n, err := h.Characters.Reload(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"imported": n})
}
